// Package shm implements the per-database invalidation flag cell: a
// one-byte file per database name inside a per-user runtime directory that
// the writer sets to nonzero to signal that readers must refresh.
package shm

import (
	"os"
	"path/filepath"
)

// Pwriter is the mockable positional-write seam used by the writer side of
// the flag protocol, so tests can substitute an in-memory double instead of
// touching the real filesystem.
type Pwriter interface {
	Pwrite(data []byte, offset int64) (int, error)
}

type osPwriter struct{ f *os.File }

func (w *osPwriter) Pwrite(data []byte, offset int64) (int, error) {
	return w.f.WriteAt(data, offset)
}

// Dir is a per-user runtime directory of flag cells, one file per database
// name.
type Dir struct {
	path string

	// openWriter is overridable in tests; it must return a Pwriter for the
	// flag cell named name, creating the file if it does not exist.
	openWriter func(name string) (Pwriter, func() error, error)
}

// NewDir returns a Dir rooted at path. The directory is created lazily on
// first use.
func NewDir(path string) *Dir {
	d := &Dir{path: path}
	d.openWriter = d.defaultOpenWriter
	return d
}

func (d *Dir) defaultOpenWriter(name string) (Pwriter, func() error, error) {
	if err := os.MkdirAll(d.path, 0o700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(d.path, name), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return &osPwriter{f: f}, f.Close, nil
}

// Flag atomically sets the named cell to nonzero, creating it if missing.
// Writer side of the protocol.
func (d *Dir) Flag(name string) error {
	w, closeFn, err := d.openWriter(name)
	if err != nil {
		return err
	}
	defer closeFn()
	_, err = w.Pwrite([]byte{1}, 0)
	return err
}

// Handle is a reader-side stable reference to a flag cell.
type Handle struct {
	name string
	f    *os.File

	// alwaysFlagged is set when the cell could not be created or opened;
	// per the contract this must not crash the reader, which instead
	// degrades to refreshing unconditionally.
	alwaysFlagged bool
}

// Open ensures the named cell exists (initially zero if newly created) and
// returns a stable handle to it. Reader side of the protocol. A failure to
// create the cell never returns an error: the returned handle instead
// reports IsFlagged() == true forever, which is safe (it only costs an
// extra refresh) and matches the documented fallback.
func (d *Dir) Open(name string) *Handle {
	if err := os.MkdirAll(d.path, 0o700); err != nil {
		return &Handle{name: name, alwaysFlagged: true}
	}
	path := filepath.Join(d.path, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return &Handle{name: name, alwaysFlagged: true}
	}
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() == 0 {
		_, _ = f.WriteAt([]byte{0}, 0)
	}
	return &Handle{name: name, f: f}
}

// IsFlagged reports whether the cell has been set since it was last reset
// to zero (readers never reset it themselves; only a fresh Open on a
// missing file starts at zero).
func (h *Handle) IsFlagged() bool {
	if h.alwaysFlagged {
		return true
	}
	var buf [1]byte
	n, err := h.f.ReadAt(buf[:], 0)
	if n == 0 && err != nil {
		return true
	}
	return buf[0] != 0
}

// Close releases the handle's open file descriptor, if any.
func (h *Handle) Close() error {
	if h.f == nil {
		return nil
	}
	return h.f.Close()
}
