// Package engine composes a stack of database sources into a single
// coherent read view, mediates writes through a two-stage local queue, and
// tracks subscription reference counts against an asynchronous
// notification bus.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dconfengine/dconfengine/internal/changeset"
	"github.com/dconfengine/dconfengine/internal/dpath"
	"github.com/dconfengine/dconfengine/internal/metrics"
	"github.com/dconfengine/dconfengine/internal/source"
	"github.com/dconfengine/dconfengine/internal/variant"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// ReadFlags modifies Read's layer-selection behavior. UserValue and
// DefaultValue are mutually exclusive.
type ReadFlags uint8

const (
	UserValue ReadFlags = 1 << iota
	DefaultValue
)

// ChangeFunc receives a synthesized or writer-originated change
// notification. isWritability distinguishes a WritabilityNotify (writability
// of a path may have changed) from a Notify (values under prefix changed).
type ChangeFunc func(prefix string, changes []string, tag string, isWritability bool)

// Engine is one client-side view of a profile's source stack.
type Engine struct {
	id uint64

	transport wire.Transport
	onChange  ChangeFunc

	sourcesMu    sync.Mutex
	sources      []*source.Source
	stateCounter uint64

	queueMu  sync.Mutex
	queueCnd *sync.Cond
	pending  *changeset.ChangeSet
	inFlight *changeset.ChangeSet

	lastHandled    string
	hasLastHandled bool

	subMu        sync.Mutex
	establishing map[string]int
	active       map[string]int
	pendingWatch map[string]*watchState

	refCount int32
}

// watchState tracks an in-progress first establishment of a watch on one
// path: the number of AddMatch calls outstanding and the engine state
// captured at the moment the watch was first requested.
type watchState struct {
	expected      int
	acked         int
	capturedState uint64
}

// New constructs an engine from already-resolved profile descriptor lines,
// registers it in the process-wide engine registry, and installs the
// registry's dispatcher on transport.
func New(descriptors []string, paths source.Paths, transport wire.Transport, onChange ChangeFunc) (*Engine, error) {
	e := &Engine{
		transport:    transport,
		onChange:     onChange,
		establishing: make(map[string]int),
		active:       make(map[string]int),
		pendingWatch: make(map[string]*watchState),
		refCount:     1,
	}
	e.queueCnd = sync.NewCond(&e.queueMu)

	for _, d := range descriptors {
		s, err := source.New(d, paths, transport)
		if err != nil {
			slog.Warn("engine: skipping unparseable source descriptor", "descriptor", d, "err", err)
			continue
		}
		e.sources = append(e.sources, s)
	}

	register(e)
	if transport != nil {
		transport.SetSignalHandler(dispatch)
	}
	return e, nil
}

// Ref increments the engine's reference count.
func (e *Engine) Ref() *Engine {
	atomic.AddInt32(&e.refCount, 1)
	return e
}

// Unref decrements the reference count, closing and unregistering the
// engine when it reaches zero. The final decrement takes the registry lock
// so that a concurrent dispatch snapshot cannot observe a half-closed
// engine.
func (e *Engine) Unref() {
	if atomic.AddInt32(&e.refCount, -1) > 0 {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if atomic.LoadInt32(&e.refCount) != 0 {
		return
	}
	unregisterLocked(e)
	for _, s := range e.sources {
		s.Close()
	}
}

// acquireSources refreshes every source, bumping the state counter if any
// reopened, then calls fn with the sources lock held.
func (e *Engine) acquireSources(ctx context.Context, fn func(sources []*source.Source) error) error {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	for _, s := range e.sources {
		reopened, err := s.Refresh(ctx)
		metrics.SourceRefreshTotal.WithLabelValues(s.Kind.String(), boolLabel(reopened)).Inc()
		if err != nil {
			slog.Warn("engine: source refresh failed", "name", s.Name, "err", err)
			continue
		}
		if reopened {
			e.stateCounter++
		}
	}
	return fn(e.sources)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// State returns the current state counter without refreshing anything.
func (e *Engine) State() uint64 {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	return e.stateCounter
}

// Read implements the layered lookup of §4.7.3: locks shadow lower-priority
// sources, a writable source 0 consults read_through and the write queues
// ahead of its own on-disk value, and the remaining sources are walked in
// order until a value is found.
func (e *Engine) Read(ctx context.Context, flags ReadFlags, readThrough []*changeset.ChangeSet, key string) (*variant.Value, error) {
	if err := dpath.IsKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.ReadDuration.Observe(time.Since(start).Seconds()) }()
	var result *variant.Value
	err := e.acquireSources(ctx, func(sources []*source.Source) error {
		lockLevel := 0
		if flags&UserValue == 0 {
			for i := len(sources) - 1; i > 0; i-- {
				locks := sources[i].Locks()
				if locks != nil && locks.HasValue(key) {
					lockLevel = i
					break
				}
			}
		}

		if lockLevel == 0 && len(sources) != 0 && sources[0].Writable {
			foundKey := false
			var value *variant.Value

			if flags&DefaultValue != 0 {
				foundKey = true
			}

			if !foundKey && flags&DefaultValue == 0 {
				for i := len(readThrough) - 1; i >= 0; i-- {
					if present, v := readThrough[i].Get(key); present {
						foundKey = true
						value = v
						break
					}
				}
			}

			if !foundKey && flags&DefaultValue == 0 {
				e.queueMu.Lock()
				if e.pending != nil {
					if present, v := e.pending.Get(key); present {
						foundKey = true
						value = v
					}
				}
				if !foundKey && e.inFlight != nil {
					if present, v := e.inFlight.Get(key); present {
						foundKey = true
						value = v
					}
				}
				e.queueMu.Unlock()
			}

			if !foundKey {
				if tbl := sources[0].Values(); tbl != nil {
					if v, ok := tbl.GetValue(key); ok {
						value = &v
					}
				}
			}

			result = value
			lockLevel = 1
		}

		if flags&UserValue == 0 {
			for i := lockLevel; result == nil && i < len(sources); i++ {
				tbl := sources[i].Values()
				if tbl == nil {
					continue
				}
				if v, ok := tbl.GetValue(key); ok {
					result = &v
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// List returns the set-union of immediate children of dir across every
// source's current table. Pending and in-flight changes are not consulted.
func (e *Engine) List(ctx context.Context, dir string) ([]string, error) {
	if err := dpath.IsDir(dir); err != nil {
		return nil, err
	}
	var out []string
	err := e.acquireSources(ctx, func(sources []*source.Source) error {
		seen := make(map[string]struct{})
		for _, s := range sources {
			tbl := s.Values()
			if tbl == nil {
				continue
			}
			for _, child := range tbl.List(dir) {
				seen[child] = struct{}{}
			}
		}
		out = make([]string, 0, len(seen))
		for k := range seen {
			out = append(out, k)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// IsWritable reports whether key could currently be written: there is a
// source 0, it is writable, and no higher-index source locks key.
func (e *Engine) IsWritable(ctx context.Context, key string) (bool, error) {
	var writable bool
	err := e.acquireSources(ctx, func(sources []*source.Source) error {
		writable = isWritableLocked(sources, key)
		return nil
	})
	return writable, err
}

func isWritableLocked(sources []*source.Source, key string) bool {
	if len(sources) == 0 || !sources[0].Writable {
		return false
	}
	for i := 1; i < len(sources); i++ {
		locks := sources[i].Locks()
		if locks != nil && locks.HasValue(key) {
			return false
		}
	}
	return true
}

// ListLocks implements §4.7.5: for a dir path, every lock in any non-first
// source whose key has path as a prefix (or, if source 0 is missing/
// non-writable, the whole subtree is reported locked via path itself); for a
// key path, [path] iff it is not writable.
func (e *Engine) ListLocks(ctx context.Context, path string) ([]string, error) {
	isDir := dpath.Dir(path)
	var out []string
	err := e.acquireSources(ctx, func(sources []*source.Source) error {
		if !isDir {
			if !isWritableLocked(sources, path) {
				out = []string{path}
			}
			return nil
		}
		if len(sources) == 0 || !sources[0].Writable {
			out = []string{path}
			return nil
		}
		seen := make(map[string]struct{})
		for i := 1; i < len(sources); i++ {
			locks := sources[i].Locks()
			if locks == nil {
				continue
			}
			for _, name := range locks.GetNames() {
				if strings.HasPrefix(name, path) {
					seen[name] = struct{}{}
				}
			}
		}
		for k := range seen {
			out = append(out, k)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// Sync blocks until no write is in flight (and therefore none pending).
func (e *Engine) Sync() {
	e.queueMu.Lock()
	for e.inFlight != nil {
		e.queueCnd.Wait()
	}
	e.queueMu.Unlock()
}

func (e *Engine) emit(prefix string, changes []string, tag string, isWritability bool) {
	if e.onChange != nil {
		e.onChange(prefix, changes, tag, isWritability)
	}
}

func (e *Engine) emitFromChangeset(cs *changeset.ChangeSet, tag string) {
	if cs == nil {
		return
	}
	prefix, suffixes, _, count := cs.Describe()
	if count == 0 {
		return
	}
	e.emit(prefix, suffixes, tag, false)
}
