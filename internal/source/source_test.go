package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconfengine/dconfengine/internal/gvdb"
	"github.com/dconfengine/dconfengine/internal/variant"
	"github.com/dconfengine/dconfengine/internal/wire"
)

func writeDB(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	b := gvdb.NewBuilder()
	b.Set("/a", variant.NewInt32(1))
	data, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func testPaths(t *testing.T) Paths {
	root := t.TempDir()
	return Paths{
		ConfigDir:  filepath.Join(root, "config"),
		SystemDir:  filepath.Join(root, "system"),
		RuntimeDir: filepath.Join(root, "runtime"),
	}
}

func TestNewParsesDescriptors(t *testing.T) {
	paths := testPaths(t)
	ft := wire.NewFakeTransport()

	s, err := New("user-db:user", paths, ft)
	require.NoError(t, err)
	assert.Equal(t, KindUser, s.Kind)
	assert.True(t, s.Writable)

	s, err = New("system-db:site", paths, ft)
	require.NoError(t, err)
	assert.Equal(t, KindSystem, s.Kind)
	assert.False(t, s.Writable)

	s, err = New("file-db:"+filepath.Join(paths.ConfigDir, "x"), paths, ft)
	require.NoError(t, err)
	assert.Equal(t, KindFile, s.Kind)

	_, err = New("file-db:relative/path", paths, ft)
	assert.Error(t, err)

	s, err = New("service-db:Registry/snapname", paths, ft)
	require.NoError(t, err)
	assert.Equal(t, KindService, s.Kind)
	assert.True(t, s.Writable)

	_, err = New("bogus:thing", paths, ft)
	assert.Error(t, err)
}

func TestRefreshUserOpensOnce(t *testing.T) {
	paths := testPaths(t)
	writeDB(t, filepath.Join(paths.ConfigDir, "user"))

	s, err := New("user-db:user", paths, nil)
	require.NoError(t, err)

	reopened, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, reopened)
	require.NotNil(t, s.Values())
	assert.True(t, s.Values().HasValue("/a"))

	reopened, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, reopened)
}

func TestRefreshUserReopensOnFlag(t *testing.T) {
	paths := testPaths(t)
	writeDB(t, filepath.Join(paths.ConfigDir, "user"))

	s, err := New("user-db:user", paths, nil)
	require.NoError(t, err)
	_, err = s.Refresh(context.Background())
	require.NoError(t, err)

	shmDir := s.shmDir
	require.NoError(t, shmDir.Flag("user"))

	reopened, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, reopened)
}

func TestRefreshFileNeverReopens(t *testing.T) {
	paths := testPaths(t)
	path := filepath.Join(paths.ConfigDir, "f.db")
	writeDB(t, path)

	s, err := New("file-db:"+path, paths, nil)
	require.NoError(t, err)

	reopened, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, reopened)

	// Rewrite the file with different contents; file sources never reopen.
	writeDB(t, path)
	reopened, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, reopened)
}

func TestRefreshServiceInitsOnMissingFile(t *testing.T) {
	paths := testPaths(t)
	ft := wire.NewFakeTransport()
	dest := filepath.Join(paths.RuntimeDir, "Registry", "app")

	s, err := New("service-db:Registry/app", paths, ft)
	require.NoError(t, err)
	ft.CallSyncFunc = func(ep wire.Endpoint, method string, args []byte) ([]byte, error) {
		if method == "Init" {
			writeDB(t, dest)
		}
		return nil, nil
	}

	reopened, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, reopened)
	require.Len(t, ft.Calls, 1)
	assert.Equal(t, "Init", ft.Calls[0].Method)
}

func TestLocksSubtable(t *testing.T) {
	paths := testPaths(t)
	b := gvdb.NewBuilder()
	b.Set("/a", variant.NewInt32(1))
	locks := b.Subtable(".locks")
	locks.Set("/a", variant.NewBool(true))
	data, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(paths.ConfigDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(paths.ConfigDir, "user"), data, 0o600))

	s, err := New("user-db:user", paths, nil)
	require.NoError(t, err)
	_, err = s.Refresh(context.Background())
	require.NoError(t, err)

	locksTbl := s.Locks()
	require.NotNil(t, locksTbl)
	assert.True(t, locksTbl.HasValue("/a"))
}
