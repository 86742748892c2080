// Package source implements one database layer in the engine's ordered
// stack: its static identity (kind, name, writability, RPC endpoint) and
// its dynamic contents (current GVDB table, shared-memory invalidation
// handle), refreshed according to a per-kind policy.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dconfengine/dconfengine/internal/gvdb"
	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/shm"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// Kind classifies one source in the stack.
type Kind int

const (
	KindUser Kind = iota
	KindUserNFSProxied
	KindSystem
	KindFile
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindUserNFSProxied:
		return "user-nfs"
	case KindSystem:
		return "system"
	case KindFile:
		return "file"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// Paths supplies the filesystem/runtime locations a Source needs to open
// its backing GVDB file and flag cell. Constructed once per engine from
// the resolved XDG directories.
type Paths struct {
	ConfigDir  string // e.g. $XDG_CONFIG_HOME/dconf
	SystemDir  string // e.g. /etc/dconf/db
	RuntimeDir string // e.g. $XDG_RUNTIME_DIR/dconf (shm flag cells live here)
}

// Source is one layer. Static fields (Kind, Name, Writable, Endpoint) are
// safe to read without any lock; dynamic fields (table, shmHandle, opened)
// may only be touched while the owning engine holds its sources lock.
type Source struct {
	Kind     Kind
	Name     string
	Writable bool
	Endpoint *wire.Endpoint // nil for file sources, which have no RPC target
	FilePath string         // resolved GVDB file path

	transport wire.Transport
	shmDir    *shm.Dir

	opened       bool
	table        *gvdb.Table
	closeTable   func() error
	shmHandle    *shm.Handle
	warnedOnce   bool
	initAttempted bool
}

// New parses a profile descriptor line ("user-db:NAME", "system-db:NAME",
// "file-db:/abs/path", "service-db:TYPE/NAME", "user-db-nfs:NAME") into a
// Source. Returns an error for an unrecognized prefix; the caller is
// expected to log it as a warning and skip the line, per the profile
// parser's contract.
func New(descriptor string, paths Paths, transport wire.Transport) (*Source, error) {
	switch {
	case strings.HasPrefix(descriptor, "user-db-nfs:"):
		name := strings.TrimPrefix(descriptor, "user-db-nfs:")
		return newUserSource(name, paths, transport, KindUserNFSProxied), nil
	case strings.HasPrefix(descriptor, "user-db:"):
		name := strings.TrimPrefix(descriptor, "user-db:")
		return newUserSource(name, paths, transport, KindUser), nil
	case strings.HasPrefix(descriptor, "system-db:"):
		name := strings.TrimPrefix(descriptor, "system-db:")
		return &Source{
			Kind:     KindSystem,
			Name:     name,
			Writable: false,
			FilePath: filepath.Join(paths.SystemDir, name),
			shmDir:   shm.NewDir(paths.RuntimeDir),
		}, nil
	case strings.HasPrefix(descriptor, "file-db:"):
		path := strings.TrimPrefix(descriptor, "file-db:")
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("source: file-db path %q must be absolute", path)
		}
		return &Source{
			Kind:     KindFile,
			Name:     path,
			Writable: false,
			FilePath: path,
		}, nil
	case strings.HasPrefix(descriptor, "service-db:"):
		rest := strings.TrimPrefix(descriptor, "service-db:")
		typ, name, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("source: service-db descriptor %q missing TYPE/NAME separator", descriptor)
		}
		ep := wire.Endpoint{
			Bus:    "session",
			Name:   "ca.desrt.dconf." + typ,
			Object: "/ca/desrt/dconf/Writer/" + name,
		}
		return &Source{
			Kind:      KindService,
			Name:      name,
			Writable:  true,
			Endpoint:  &ep,
			FilePath:  filepath.Join(paths.RuntimeDir, typ, name),
			transport: transport,
			shmDir:    shm.NewDir(paths.RuntimeDir),
		}, nil
	default:
		return nil, fmt.Errorf("source: unrecognized descriptor %q", descriptor)
	}
}

func newUserSource(name string, paths Paths, transport wire.Transport, kind Kind) *Source {
	ep := wire.Endpoint{
		Bus:    "session",
		Name:   "ca.desrt.dconf.Writer",
		Object: "/ca/desrt/dconf/Writer/" + name,
	}
	runtimeDir := paths.RuntimeDir
	if kind == KindUserNFSProxied {
		// The active resolution path folds the confining app's id into the
		// runtime directory so that sandboxed apps do not share a flag-cell
		// namespace with the host session. OverrideRuntimeDir can replace
		// this directory afterwards; nothing in this module calls it, and no
		// directory property is read from the wire.
		if appID := os.Getenv("SNAP_NAME"); appID != "" {
			runtimeDir = filepath.Join(runtimeDir, appID)
		}
	}
	return &Source{
		Kind:      kind,
		Name:      name,
		Writable:  true,
		Endpoint:  &ep,
		FilePath:  filepath.Join(paths.ConfigDir, name),
		transport: transport,
		shmDir:    shm.NewDir(runtimeDir),
	}
}

// OverrideRuntimeDir replaces the locally computed runtime directory for
// this source's flag cell with dir. No caller in this module uses it.
func (s *Source) OverrideRuntimeDir(dir string) {
	s.shmDir = shm.NewDir(dir)
}

// Refresh reopens the source's backing GVDB table if needed, returning
// whether a reopen occurred. Must be called with the engine's sources lock
// held.
func (s *Source) Refresh(ctx context.Context) (bool, error) {
	switch s.Kind {
	case KindUser, KindUserNFSProxied:
		return s.refreshUser()
	case KindSystem:
		return s.refreshSystem()
	case KindFile:
		return s.refreshFile()
	case KindService:
		return s.refreshService(ctx)
	default:
		return false, fmt.Errorf("source: unknown kind %v", s.Kind)
	}
}

func (s *Source) refreshUser() (bool, error) {
	if !s.opened {
		return s.open(), nil
	}
	flagged := s.shmHandle != nil && s.shmHandle.IsFlagged()
	invalid := s.table != nil && !s.table.IsValid()
	if flagged || invalid {
		s.closeCurrent()
		return s.open(), nil
	}
	return false, nil
}

func (s *Source) refreshSystem() (bool, error) {
	if !s.opened {
		reopened := s.open()
		if !reopened && !s.warnedOnce {
			s.warnedOnce = true
			slog.Warn("source: system database did not open on first attempt", "name", s.Name, "path", s.FilePath)
		}
		return reopened, nil
	}
	if s.table != nil && s.table.IsValid() {
		return false, nil
	}
	return s.open(), nil
}

func (s *Source) refreshFile() (bool, error) {
	if s.opened {
		return false, nil
	}
	s.opened = true
	ok := s.open()
	if !ok {
		slog.Warn("source: file database failed to open, will not retry", "path", s.FilePath)
	}
	return ok, nil
}

func (s *Source) refreshService(ctx context.Context) (bool, error) {
	if s.opened && s.table != nil && s.table.IsValid() {
		return false, nil
	}
	if s.open() {
		return true, nil
	}
	if s.initAttempted || !os.IsNotExist(statErr(s.FilePath)) {
		return false, nil
	}
	s.initAttempted = true
	if s.transport == nil || s.Endpoint == nil {
		return false, fmt.Errorf("source: service %q has no transport to Init against", s.Name)
	}
	_, err := s.transport.CallSync(ctx, *s.Endpoint, "Init", nil)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues("Init", outcome).Inc()
	if err != nil {
		return false, fmt.Errorf("source: Init RPC for service %q failed: %w", s.Name, err)
	}
	if s.open() {
		return true, nil
	}
	return false, fmt.Errorf("source: service %q database still missing after Init", s.Name)
}

func statErr(path string) error {
	_, err := os.Stat(path)
	return err
}

// open attempts to (re)open the backing GVDB file and shm handle, updating
// the dynamic fields on success. Returns whether it succeeded.
func (s *Source) open() bool {
	s.opened = true
	tbl, closeFn, err := gvdb.OpenFile(s.FilePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && !os.IsNotExist(err) {
			slog.Warn("source: failed to open database", "name", s.Name, "path", s.FilePath, "err", err)
		}
		return false
	}
	s.table = tbl
	s.closeTable = closeFn
	if s.shmDir != nil {
		if s.shmHandle != nil {
			s.shmHandle.Close()
		}
		s.shmHandle = s.shmDir.Open(s.Name)
	}
	return true
}

func (s *Source) closeCurrent() {
	if s.closeTable != nil {
		s.closeTable()
		s.closeTable = nil
	}
	s.table = nil
}

// Values returns the source's current GVDB root table, or nil if none is
// open.
func (s *Source) Values() *gvdb.Table { return s.table }

// Locks returns the source's `.locks` subtable, or nil if none exists.
func (s *Source) Locks() *gvdb.Table {
	if s.table == nil {
		return nil
	}
	locks, ok := s.table.GetSubtable(".locks")
	if !ok {
		return nil
	}
	return locks
}

// Close releases any open GVDB and shm handle.
func (s *Source) Close() {
	s.closeCurrent()
	if s.shmHandle != nil {
		s.shmHandle.Close()
		s.shmHandle = nil
	}
}
