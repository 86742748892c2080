package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagAndIsFlagged(t *testing.T) {
	dir := NewDir(t.TempDir())

	h := dir.Open("user")
	require.NotNil(t, h)
	defer h.Close()
	assert.False(t, h.IsFlagged())

	require.NoError(t, dir.Flag("user"))
	assert.True(t, h.IsFlagged())
}

func TestOpenCreatesZeroCell(t *testing.T) {
	root := t.TempDir()
	dir := NewDir(root)
	h := dir.Open("site")
	defer h.Close()
	assert.False(t, h.IsFlagged())

	_, err := os.Stat(filepath.Join(root, "site"))
	require.NoError(t, err)
}

func TestOpenFallsBackGracefullyOnUncreatableDir(t *testing.T) {
	// Point the runtime dir at a path that cannot be created (a file
	// component in the middle of the path), forcing MkdirAll to fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	dir := NewDir(filepath.Join(blocker, "nested"))
	h := dir.Open("user")
	require.NotNil(t, h)
	assert.True(t, h.IsFlagged())
	require.NoError(t, h.Close())
}

type memPwriter struct {
	buf []byte
}

func (w *memPwriter) Pwrite(data []byte, offset int64) (int, error) {
	end := int(offset) + len(data)
	if end > len(w.buf) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[offset:end], data)
	return len(data), nil
}

func TestFlagUsesInjectedWriter(t *testing.T) {
	dir := NewDir(t.TempDir())
	mem := &memPwriter{buf: make([]byte, 1)}
	dir.openWriter = func(name string) (Pwriter, func() error, error) {
		return mem, func() error { return nil }, nil
	}

	require.NoError(t, dir.Flag("user"))
	assert.Equal(t, byte(1), mem.buf[0])
}
