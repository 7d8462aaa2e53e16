package memory

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/internal/store/layout"
	"github.com/engram-dev/engram/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	l := layout.New(t.TempDir(), "test-hash")
	require.NoError(t, l.EnsureDirs())
	s, err := Open(l)
	require.NoError(t, err)
	return s
}

func defaultWeights() map[string]float64 {
	return map[string]float64{"recency": 0.4, "kind": 0.2, "tags": 0.2, "lex": 0.2}
}

func TestStore_PutAssignsIDAndPersists(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "use postgres"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())

	got, ok := s.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "use postgres", got.Content)
}

func TestStore_PutRejectsEmptyKind(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(types.MemoryEntry{Content: "no kind"})
	assert.Error(t, err)
}

func TestStore_PutIsIdempotentForDuplicateID(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Put(types.MemoryEntry{ID: "fixed-id", Kind: types.MemoryDecision, Content: "first"})
	require.NoError(t, err)

	dup, err := s.Put(types.MemoryEntry{ID: "fixed-id", Kind: types.MemoryFailure, Content: "second"})
	require.NoError(t, err)
	assert.Equal(t, e.Content, dup.Content, "a duplicate id must replay to the original entry, not overwrite it")
}

func TestStore_PatchUpdatesContentAndTags(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "original", Tags: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, s.Patch(e.ID, "revised", []string{"b", "c"}))
	got, ok := s.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "revised", got.Content)
	assert.ElementsMatch(t, []string{"b", "c"}, got.Tags)
}

func TestStore_PatchUnknownIDFails(t *testing.T) {
	s := newTestStore(t)
	err := s.Patch("missing", "x", nil)
	assert.Error(t, err)
}

func TestStore_DeleteTombstonesEntry(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(e.ID))
	_, ok := s.Get(e.ID)
	assert.False(t, ok, "a deleted entry must not be returned by Get")

	list := s.List(ListOptions{})
	assert.Empty(t, list, "a deleted entry must not appear in List")
}

func TestStore_ListFiltersByKindAndTags(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "d1", Tags: []string{"backend"}})
	require.NoError(t, err)
	_, err = s.Put(types.MemoryEntry{Kind: types.MemoryFailure, Content: "f1", Tags: []string{"backend", "ci"}})
	require.NoError(t, err)

	decisions := s.List(ListOptions{Kinds: []types.MemoryKind{types.MemoryDecision}})
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].Content)

	tagged := s.List(ListOptions{Tags: []string{"ci"}})
	require.Len(t, tagged, 1)
	assert.Equal(t, "f1", tagged[0].Content)
}

func TestStore_ListOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "first"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "second"})
	require.NoError(t, err)

	out := s.List(ListOptions{Limit: 1})
	require.Len(t, out, 1)
	assert.Equal(t, "second", out[0].Content)
}

func TestStore_SearchRanksLexicalAndTagMatchesHigher(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "use postgres for the catalog service", Tags: []string{"database"}})
	require.NoError(t, err)
	_, err = s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "unrelated note about the ci pipeline"})
	require.NoError(t, err)

	results := s.Search(SearchOptions{
		Query:   "postgres catalog database",
		Tags:    []string{"database"},
		Weights: defaultWeights(),
		TauDays: 7,
		Limit:   5,
	})
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Entry.Content, "postgres")
}

func TestStore_SearchExcludesDeletedEntries(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "ephemeral note"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(e.ID))

	results := s.Search(SearchOptions{Query: "ephemeral", Weights: defaultWeights(), TauDays: 7})
	assert.Empty(t, results)
}

func TestStore_ReloadRebuildsIndexFromLog(t *testing.T) {
	l := layout.New(t.TempDir(), "reload-hash")
	require.NoError(t, l.EnsureDirs())
	s, err := Open(l)
	require.NoError(t, err)

	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "persisted"})
	require.NoError(t, err)

	reopened, err := Open(l)
	require.NoError(t, err)
	got, ok := reopened.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Content)
}

// TestStore_PutLeavesNoPhantomEntryOnAppendFailure guards against a
// durability-ordering regression: if the log append fails, the entry
// must not become visible via Get, and a subsequent retry with the same
// id must actually reach the log rather than being absorbed by the
// idempotent-duplicate path.
func TestStore_PutLeavesNoPhantomEntryOnAppendFailure(t *testing.T) {
	l := layout.New(t.TempDir(), "append-fail-hash")
	require.NoError(t, l.EnsureDirs())
	s, err := Open(l)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(l.ProjectDir()))

	_, err = s.Put(types.MemoryEntry{ID: "retry-me", Kind: types.MemoryDecision, Content: "first attempt"})
	require.Error(t, err, "Put must fail when the log append fails")

	_, ok := s.Get("retry-me")
	assert.False(t, ok, "a failed append must never leave a phantom entry visible in the index")

	require.NoError(t, l.EnsureDirs())
	committed, err := s.Put(types.MemoryEntry{ID: "retry-me", Kind: types.MemoryDecision, Content: "retried"})
	require.NoError(t, err, "a retry after the storage recovers must actually write, not fall into the duplicate-id branch")
	assert.Equal(t, "retried", committed.Content)

	got, ok := s.Get("retry-me")
	require.True(t, ok)
	assert.Equal(t, "retried", got.Content)
}

func TestStore_PatchLeavesIndexUnchangedOnAppendFailure(t *testing.T) {
	l := layout.New(t.TempDir(), "patch-fail-hash")
	require.NoError(t, l.EnsureDirs())
	s, err := Open(l)
	require.NoError(t, err)

	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "original"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(l.ProjectDir()))
	err = s.Patch(e.ID, "revised", nil)
	assert.Error(t, err)

	require.NoError(t, l.EnsureDirs())
	// Re-open to rule out an in-memory-only mutation masking the bug: if
	// Patch had mutated the index before the failed append, this replay
	// from the (unchanged) log would still show "original" either way,
	// but the live store must also still show "original".
	got, ok := s.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, "original", got.Content, "a failed append must leave the entry's content untouched")
}

func TestStore_DeleteLeavesEntryLiveOnAppendFailure(t *testing.T) {
	l := layout.New(t.TempDir(), "delete-fail-hash")
	require.NoError(t, l.EnsureDirs())
	s, err := Open(l)
	require.NoError(t, err)

	e, err := s.Put(types.MemoryEntry{Kind: types.MemoryDecision, Content: "x"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(l.ProjectDir()))
	err = s.Delete(e.ID)
	assert.Error(t, err)

	require.NoError(t, l.EnsureDirs())
	_, ok := s.Get(e.ID)
	assert.True(t, ok, "a failed append must leave the entry live, not tombstoned")
}

func TestNewID_IsLexicallyOrderedAndUnique(t *testing.T) {
	a := NewID()
	time.Sleep(time.Millisecond)
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids generated later must sort after earlier ids")
}
