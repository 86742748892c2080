package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconfengine/dconfengine/internal/variant"
)

func val(i int64) *variant.Value {
	v := variant.NewInt64(i)
	return &v
}

func TestSetGetBasics(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/b", val(1)))
	present, v := cs.Get("/a/b")
	require.True(t, present)
	require.NotNil(t, v)
	got, _ := v.Int64()
	assert.Equal(t, int64(1), got)

	present, v = cs.Get("/nope")
	assert.False(t, present)
	assert.Nil(t, v)
}

func TestSetDirRejectsValue(t *testing.T) {
	cs := New()
	err := cs.Set("/a/", val(1))
	assert.Error(t, err)
}

func TestSetResetForbiddenInDatabaseMode(t *testing.T) {
	cs, err := NewDatabase(nil)
	require.NoError(t, err)
	err = cs.Set("/a", nil)
	assert.Error(t, err)
}

func TestDirResetClearsPrefixedEntries(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/b", val(1)))
	require.NoError(t, cs.Set("/a/c", val(2)))
	require.NoError(t, cs.Set("/other", val(3)))

	require.NoError(t, cs.Set("/a/", nil))

	present, _ := cs.Get("/a/b")
	assert.False(t, present)
	present, _ = cs.Get("/a/c")
	assert.False(t, present)
	present, _ = cs.Get("/other")
	assert.True(t, present)
	present, v := cs.Get("/a/")
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestIsSimilarTo(t *testing.T) {
	a := New()
	require.NoError(t, a.Set("/x", val(1)))
	b := New()
	require.NoError(t, b.Set("/x", val(999)))
	assert.True(t, a.IsSimilarTo(b))

	c := New()
	require.NoError(t, c.Set("/y", val(1)))
	assert.False(t, a.IsSimilarTo(c))
}

func TestSealSingleEntry(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/b/c", val(5)))
	prefix, suffixes, values, count := cs.Describe()
	assert.Equal(t, "/a/b/c", prefix)
	assert.Equal(t, []string{""}, suffixes)
	assert.Equal(t, 1, count)
	got, _ := values[0].Int64()
	assert.Equal(t, int64(5), got)
}

func TestSealMultipleEntries(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/b", val(1)))
	require.NoError(t, cs.Set("/a/c", val(2)))
	prefix, suffixes, _, count := cs.Describe()
	assert.Equal(t, "/a/", prefix)
	assert.Equal(t, 2, count)
	assert.ElementsMatch(t, []string{"b", "c"}, suffixes)
}

func TestSerializeRoundTrip(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/b", val(1)))
	require.NoError(t, cs.Set("/a/c", nil))
	require.NoError(t, cs.Set("/other", val(42)))

	data := cs.Serialize()
	back := Deserialize(data)

	assert.True(t, cs.IsSimilarTo(back))
	for _, k := range []string{"/a/b", "/a/c", "/other"} {
		p1, v1 := cs.Get(k)
		p2, v2 := back.Get(k)
		require.Equal(t, p1, p2)
		if v1 == nil {
			assert.Nil(t, v2)
		} else {
			require.NotNil(t, v2)
			assert.True(t, variant.Equal(*v1, *v2))
		}
	}
}

func TestApplyMergesDirResetBeforeWrites(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Set("/a/old", val(1)))

	delta := New()
	require.NoError(t, delta.Set("/a/", nil))
	require.NoError(t, delta.Set("/a/new", val(2)))

	require.NoError(t, cs.Apply(delta))

	present, _ := cs.Get("/a/old")
	assert.False(t, present)
	present, v := cs.Get("/a/new")
	assert.True(t, present)
	got, _ := v.Int64()
	assert.Equal(t, int64(2), got)
}

// TestDiffScenarioS6 mirrors the worked example: A = {/x: 1, /y: 2},
// B = {/x: 1, /y: 3, /z: 4}.
func TestDiffScenarioS6(t *testing.T) {
	a, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, a.Set("/x", val(1)))
	require.NoError(t, a.Set("/y", val(2)))

	b, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, b.Set("/x", val(1)))
	require.NoError(t, b.Set("/y", val(3)))
	require.NoError(t, b.Set("/z", val(4)))

	d, err := Diff(a, b)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, d.IsDatabase())

	present, v := d.Get("/y")
	require.True(t, present)
	got, _ := v.Int64()
	assert.Equal(t, int64(3), got)

	present, v = d.Get("/z")
	require.True(t, present)
	got, _ = v.Int64()
	assert.Equal(t, int64(4), got)

	present, _ = d.Get("/x")
	assert.False(t, present)

	d2, err := Diff(b, a)
	require.NoError(t, err)
	require.NotNil(t, d2)
	present, v = d2.Get("/y")
	require.True(t, present)
	got, _ = v.Int64()
	assert.Equal(t, int64(2), got)

	present, v = d2.Get("/z")
	require.True(t, present)
	assert.Nil(t, v)
}

func TestDiffLawApplyReproduces(t *testing.T) {
	a, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, a.Set("/x", val(1)))
	require.NoError(t, a.Set("/y", val(2)))

	b, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, b.Set("/x", val(1)))
	require.NoError(t, b.Set("/y", val(3)))
	require.NoError(t, b.Set("/z", val(4)))

	d, err := Diff(a, b)
	require.NoError(t, err)

	scratch := New()
	require.True(t, a.All(func(path string, v *variant.Value) bool {
		return scratch.Set(path, v) == nil
	}))
	require.NoError(t, scratch.Apply(d))

	for _, k := range []string{"/x", "/y", "/z"} {
		_, bv := b.Get(k)
		present, sv := scratch.Get(k)
		require.True(t, present)
		require.NotNil(t, sv)
		require.NotNil(t, bv)
		assert.True(t, variant.Equal(*bv, *sv))
	}
}

func TestDiffNoDifferenceReturnsNil(t *testing.T) {
	a, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, a.Set("/x", val(1)))
	b, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, b.Set("/x", val(1)))

	d, err := Diff(a, b)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestFilterChangesLaw(t *testing.T) {
	base, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, base.Set("/a/b", val(1)))
	require.NoError(t, base.Set("/other", val(9)))

	delta := New()
	require.NoError(t, delta.Set("/a/b", val(1))) // no-op, same value
	require.NoError(t, delta.Set("/a/c", val(2))) // new key, not present in base -> write kept
	require.NoError(t, delta.Set("/missing", nil)) // reset of absent key -> dropped

	filtered, err := FilterChanges(base, delta)
	require.NoError(t, err)
	require.NotNil(t, filtered)

	present, _ := filtered.Get("/a/b")
	assert.False(t, present)
	present, _ = filtered.Get("/missing")
	assert.False(t, present)
	present, v := filtered.Get("/a/c")
	assert.True(t, present)
	got, _ := v.Int64()
	assert.Equal(t, int64(2), got)
}

func TestFilterChangesEmptyResultIsNil(t *testing.T) {
	base, err := NewDatabase(nil)
	require.NoError(t, err)
	require.NoError(t, base.Set("/a", val(1)))

	delta := New()
	require.NoError(t, delta.Set("/a", val(1)))
	require.NoError(t, delta.Set("/missing", nil))

	filtered, err := FilterChanges(base, delta)
	require.NoError(t, err)
	assert.Nil(t, filtered)
}
