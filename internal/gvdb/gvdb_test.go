package gvdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconfengine/dconfengine/internal/variant"
)

func buildSimple(t *testing.T) *Table {
	t.Helper()
	b := NewBuilder()
	b.Set("/a", variant.NewInt32(7))
	b.Set("/b", variant.NewString("hello"))
	locks := b.Subtable(".locks")
	locks.Set("/a", variant.NewBool(true))

	data, err := b.Build()
	require.NoError(t, err)
	tbl, err := Open(data)
	require.NoError(t, err)
	return tbl
}

func TestHasValueAndGetValue(t *testing.T) {
	tbl := buildSimple(t)
	assert.True(t, tbl.HasValue("/a"))
	assert.False(t, tbl.HasValue("/nope"))

	v, ok := tbl.GetValue("/a")
	require.True(t, ok)
	got, _ := v.Int64()
	assert.Equal(t, int64(7), got)

	v, ok = tbl.GetValue("/b")
	require.True(t, ok)
	s, _ := v.RawString()
	assert.Equal(t, "hello", s)
}

func TestGetSubtable(t *testing.T) {
	tbl := buildSimple(t)
	locks, ok := tbl.GetSubtable(".locks")
	require.True(t, ok)
	assert.True(t, locks.HasValue("/a"))
	assert.False(t, locks.HasValue("/b"))
}

func TestListAndNames(t *testing.T) {
	b := NewBuilder()
	b.Set("/a/x", variant.NewInt32(1))
	b.Set("/a/y", variant.NewInt32(2))
	b.Set("/a/sub/z", variant.NewInt32(3))
	b.Set("/other", variant.NewInt32(4))

	data, err := b.Build()
	require.NoError(t, err)
	tbl, err := Open(data)
	require.NoError(t, err)

	children := tbl.List("/a/")
	assert.ElementsMatch(t, []string{"x", "y", "sub/"}, children)

	names := tbl.GetNames()
	assert.ElementsMatch(t, []string{"/a/x", "/a/y", "/a/sub/z", "/other"}, names)
}

func TestIsValidDetectsZeroedHeader(t *testing.T) {
	b := NewBuilder()
	b.Set("/a", variant.NewInt32(1))
	data, err := b.Build()
	require.NoError(t, err)
	tbl, err := Open(data)
	require.NoError(t, err)
	assert.True(t, tbl.IsValid())

	for i := 0; i < 8; i++ {
		data[i] = 0
	}
	assert.False(t, tbl.IsValid())
}

func TestOpenRejectsTruncated(t *testing.T) {
	_, err := Open([]byte("short"))
	assert.Error(t, err)
}
