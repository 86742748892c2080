package dpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKey(t *testing.T) {
	require.NoError(t, IsKey("/a/b"))
	require.NoError(t, IsKey("/a"))

	var err error
	err = IsKey("")
	var ipe *InvalidPathError
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, Empty, ipe.Reason)

	err = IsKey("a/b")
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, NoLeadingSlash, ipe.Reason)

	err = IsKey("/a//b")
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, DoubleSlash, ipe.Reason)

	err = IsKey("/a/")
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, BadTrailing, ipe.Reason)

	err = IsKey("/")
	require.ErrorAs(t, err, &ipe)
	assert.Equal(t, BadTrailing, ipe.Reason)
}

func TestIsDir(t *testing.T) {
	require.NoError(t, IsDir("/"))
	require.NoError(t, IsDir("/a/"))

	var ipe *InvalidPathError
	require.ErrorAs(t, IsDir("/a"), &ipe)
	assert.Equal(t, BadTrailing, ipe.Reason)
}

func TestRelPredicates(t *testing.T) {
	require.NoError(t, IsRelKey("a/b"))
	require.NoError(t, IsRelKey(""))
	require.NoError(t, IsRelDir("a/b/"))
	require.NoError(t, IsRelDir(""))

	var ipe *InvalidPathError
	require.ErrorAs(t, IsRelPath("/a"), &ipe)
	assert.Equal(t, LeadingSlashOnRel, ipe.Reason)
}

func TestParentOf(t *testing.T) {
	p, err := ParentOf("/x")
	require.NoError(t, err)
	assert.Equal(t, "/", p)

	p, err = ParentOf("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/", p)

	p, err = ParentOf("/a/b/")
	require.NoError(t, err)
	assert.Equal(t, "/a/", p)

	_, err = ParentOf("/")
	require.Error(t, err)
}

func TestHasPrefixDir(t *testing.T) {
	assert.True(t, HasPrefixDir("/a/", "/a/b"))
	assert.True(t, HasPrefixDir("/a/", "/a/"))
	assert.False(t, HasPrefixDir("/a/", "/ab/c"))
}
