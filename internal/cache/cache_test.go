package cache_test

import (
	"testing"

	"github.com/rpggio/collabdoc/internal/cache"
	"github.com/stretchr/testify/require"
)

func TestGetMissingReturnsFalse(t *testing.T) {
	s, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(t.Context(), "doc1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	tree := map[string]map[string]map[string]any{
		"User": {"u1": {"id": "u1", "name": "A"}},
	}
	require.NoError(t, s.Put(t.Context(), "doc1", tree, "6", 1000))

	got, ok, err := s.Get(t.Context(), "doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "6", got.LastRevisionID)
	require.Equal(t, "A", got.Tree["User"]["u1"]["name"])
}

func TestPutOverwritesPreviousSnapshot(t *testing.T) {
	s, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	tree1 := map[string]map[string]map[string]any{"User": {"u1": {"name": "A"}}}
	tree2 := map[string]map[string]map[string]any{"User": {"u1": {"name": "B"}}}

	require.NoError(t, s.Put(t.Context(), "doc1", tree1, "1", 1000))
	require.NoError(t, s.Put(t.Context(), "doc1", tree2, "2", 2000))

	got, ok, err := s.Get(t.Context(), "doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", got.LastRevisionID)
	require.Equal(t, "B", got.Tree["User"]["u1"]["name"])
}

// Store has no namespacing opinion of its own: two callers sharing one
// store (e.g. two engines against one cache file, each prefixing its own
// keys per engine.Config.DBPrefix) see independent entries as long as the
// keys they pass in differ.
func TestDistinctCacheKeysDoNotCollide(t *testing.T) {
	s, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(t.Context(), "engineA:doc1", map[string]map[string]map[string]any{"User": {"u1": {"name": "A"}}}, "1", 1))
	require.NoError(t, s.Put(t.Context(), "engineB:doc1", map[string]map[string]map[string]any{"User": {"u1": {"name": "B"}}}, "1", 1))

	a, ok, err := s.Get(t.Context(), "engineA:doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", a.Tree["User"]["u1"]["name"])

	b, ok, err := s.Get(t.Context(), "engineB:doc1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", b.Tree["User"]["u1"]["name"])
}

func TestEvictRemovesSnapshot(t *testing.T) {
	s, err := cache.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(t.Context(), "doc1", map[string]map[string]map[string]any{}, "1", 1))
	require.NoError(t, s.Evict(t.Context(), "doc1"))

	_, ok, err := s.Get(t.Context(), "doc1")
	require.NoError(t, err)
	require.False(t, ok)
}
