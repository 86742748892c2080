// Package dconf is the public facade over internal/engine: it resolves a
// profile name to a source stack, opens an Engine over it, and exposes the
// read/write/watch operations as methods on a ref-counted Client handle.
package dconf

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/dconfengine/dconfengine/internal/changeset"
	"github.com/dconfengine/dconfengine/internal/engine"
	"github.com/dconfengine/dconfengine/internal/profile"
	"github.com/dconfengine/dconfengine/internal/source"
	"github.com/dconfengine/dconfengine/internal/variant"
	"github.com/dconfengine/dconfengine/internal/wire"
)

// ReadFlags re-exports engine.ReadFlags so callers never need to import
// internal/engine directly.
type ReadFlags = engine.ReadFlags

const (
	UserValue    = engine.UserValue
	DefaultValue = engine.DefaultValue
)

// ChangeNotification is delivered to a Client's OnChange callback.
type ChangeNotification struct {
	Prefix        string
	Changes       []string
	Tag           string
	IsWritability bool
}

// OnChangeFunc receives every change notification the client's engine
// emits: those synthesized by its own writes and watch establishment, and
// writer signals for paths subscribed to via Watch/WatchSync.
type OnChangeFunc func(ChangeNotification)

// Client is a reference-counted handle onto its own engine: Open always
// constructs a fresh engine over the resolved source stack (the reference
// engine does not cache or share engines across callers of the same
// profile name either), and Close drops this Client's one reference to it.
type Client struct {
	handle uint64
	eng    *engine.Engine
	closed bool
}

// clientsMu guards the weak-handle side table: callback closures captured
// by the engine hold only a numeric handle, not a *Client, so a Client that
// has already been Closed cannot be resurrected by a callback racing with
// Close. This is the integer-handle substitute for a weak pointer.
var (
	clientsMu  sync.Mutex
	clients    = make(map[uint64]*Client)
	nextHandle uint64
)

// configDirsFromEnv builds the source.Paths this process resolves its
// databases against, following the same XDG conventions profile.DefaultDirs
// uses for profile resolution.
func configDirsFromEnv(dirs profile.Dirs) source.Paths {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	return source.Paths{
		ConfigDir:  filepath.Join(configHome, "dconf"),
		SystemDir:  filepath.Join(dirs.SysconfDir, "dconf", "db"),
		RuntimeDir: filepath.Join(dirs.RuntimeDir, "dconf"),
	}
}

// Open resolves profileName (empty for the default resolution chain) into
// a source stack and opens an engine over it, wired to transport. onChange,
// if non-nil, receives every change notification the engine emits.
func Open(profileName string, transport wire.Transport, onChange OnChangeFunc) (*Client, error) {
	dirs := profile.DefaultDirs()
	descriptors := profile.Resolve(profileName, dirs)
	paths := configDirsFromEnv(dirs)

	c := &Client{}
	clientsMu.Lock()
	nextHandle++
	c.handle = nextHandle
	clients[c.handle] = c
	clientsMu.Unlock()

	eng, err := engine.New(descriptors, paths, transport, func(prefix string, changes []string, tag string, isWritability bool) {
		dispatchToHandle(c.handle, onChange, ChangeNotification{
			Prefix:        prefix,
			Changes:       changes,
			Tag:           tag,
			IsWritability: isWritability,
		})
	})
	if err != nil {
		clientsMu.Lock()
		delete(clients, c.handle)
		clientsMu.Unlock()
		return nil, err
	}
	c.eng = eng
	return c, nil
}

// dispatchToHandle looks the handle up in the side table before invoking
// onChange, so a notification racing with Close on another goroutine is
// silently dropped rather than calling back into a closed Client's owner.
func dispatchToHandle(handle uint64, onChange OnChangeFunc, note ChangeNotification) {
	if onChange == nil {
		return
	}
	clientsMu.Lock()
	_, live := clients[handle]
	clientsMu.Unlock()
	if !live {
		return
	}
	onChange(note)
}

// Close releases this Client's reference to its engine. After Close, any
// in-flight change notification for this Client is dropped rather than
// delivered.
func (c *Client) Close() {
	clientsMu.Lock()
	if c.closed {
		clientsMu.Unlock()
		return
	}
	c.closed = true
	delete(clients, c.handle)
	clientsMu.Unlock()
	c.eng.Unref()
}

// Read returns the value of key under the active read policy, or nil if
// key has no value.
func (c *Client) Read(ctx context.Context, flags ReadFlags, key string) (*variant.Value, error) {
	return c.eng.Read(ctx, flags, nil, key)
}

// List returns the immediate children of dir across the whole source stack.
func (c *Client) List(ctx context.Context, dir string) ([]string, error) {
	return c.eng.List(ctx, dir)
}

// IsWritable reports whether key could currently be written by this client.
func (c *Client) IsWritable(ctx context.Context, key string) (bool, error) {
	return c.eng.IsWritable(ctx, key)
}

// ListLocks returns the locked keys at or under path.
func (c *Client) ListLocks(ctx context.Context, path string) ([]string, error) {
	return c.eng.ListLocks(ctx, path)
}

// Write is a convenience wrapper that builds a single-key delta and submits
// it via ChangeFast.
func (c *Client) Write(ctx context.Context, key string, value *variant.Value) error {
	delta, err := changeset.NewWrite(key, value)
	if err != nil {
		return err
	}
	return c.eng.ChangeFast(ctx, delta, "")
}

// WriteSync is the synchronous counterpart to Write.
func (c *Client) WriteSync(ctx context.Context, key string, value *variant.Value) (string, error) {
	delta, err := changeset.NewWrite(key, value)
	if err != nil {
		return "", err
	}
	return c.eng.ChangeSync(ctx, delta)
}

// ChangeFast submits an arbitrary multi-key delta optimistically.
func (c *Client) ChangeFast(ctx context.Context, delta *changeset.ChangeSet) error {
	return c.eng.ChangeFast(ctx, delta, "")
}

// ChangeSync submits an arbitrary multi-key delta synchronously.
func (c *Client) ChangeSync(ctx context.Context, delta *changeset.ChangeSet) (string, error) {
	return c.eng.ChangeSync(ctx, delta)
}

// Watch registers non-blocking interest in path.
func (c *Client) Watch(path string) {
	c.eng.WatchFast(path)
}

// Unwatch drops one reference registered by Watch.
func (c *Client) Unwatch(path string) error {
	return c.eng.UnwatchFast(path)
}

// WatchSync registers interest in path synchronously.
func (c *Client) WatchSync(ctx context.Context, path string) error {
	return c.eng.WatchSync(ctx, path)
}

// UnwatchSync drops one reference registered by WatchSync.
func (c *Client) UnwatchSync(path string) error {
	return c.eng.UnwatchSync(path)
}

// Sync blocks until this client's engine has no write in flight.
func (c *Client) Sync() {
	c.eng.Sync()
}
