package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/internal/scanner"
	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
	"github.com/engram-dev/engram/internal/watch"
)

// newTestIndexer builds an Indexer over a fresh tree and a scanner with no
// ignore patterns. Most fixtures use non-code extensions so ApplyBatch
// skips the tree-sitter parsing path; the symbol-reuse and import-edge
// rescan tests use .go fixtures and do go through it.
func newTestIndexer(root string) *Indexer {
	return New(root, scanner.New(scanner.NewIgnoreMatcher(nil)), tree.New())
}

func TestIndexer_ApplyBatchAddsFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("# hi"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"notes.md"}})

	id, ok := ix.Tree().ByPath("notes.md")
	require.True(t, ok)
	node, ok := ix.Tree().Get(id)
	require.True(t, ok)
	assert.Equal(t, types.NodeFile, node.Kind)
}

func TestIndexer_ApplyBatchRemovesFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("# hi"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"notes.md"}})
	require.NoError(t, os.Remove(filepath.Join(root, "notes.md")))

	var removed []types.NodeId
	ix.OnNodeRemoved = func(id types.NodeId) { removed = append(removed, id) }
	ix.ApplyBatch(watch.Batch{Removed: []string{"notes.md"}})

	assert.NotEmpty(t, removed)
	_, ok := ix.Tree().ByPath("notes.md")
	assert.False(t, ok)
}

func TestIndexer_ApplyBatchCreatesNestedDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "guides"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "guides", "setup.md"), []byte("x"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"docs/guides/setup.md"}})

	id, ok := ix.Tree().ByPath("docs/guides/setup.md")
	require.True(t, ok)
	node, ok := ix.Tree().Get(id)
	require.True(t, ok)
	parent, ok := ix.Tree().Get(node.Parent)
	require.True(t, ok)
	assert.Equal(t, "guides", parent.Name)
}

func TestIndexer_RescanKeepsFileNodeIDStable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("one line"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"notes.md"}})
	firstID, _ := ix.Tree().ByPath("notes.md")

	require.NoError(t, os.WriteFile(path, []byte("one line\ntwo lines\nthree lines"), 0o644))
	ix.ApplyBatch(watch.Batch{Modified: []string{"notes.md"}})
	secondID, ok := ix.Tree().ByPath("notes.md")
	require.True(t, ok)

	assert.Equal(t, firstID, secondID, "a rescan must reuse the file's NodeId rather than reallocate it")
	node, _ := ix.Tree().Get(secondID)
	assert.Equal(t, 3, node.LineCount)
}

func TestIndexer_RescanReusesSymbolIDsForUnchangedSymbols(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc Keep() {}\n\nfunc Drop() {}\n"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"main.go"}})
	fileID, ok := ix.Tree().ByPath("main.go")
	require.True(t, ok)
	node, _ := ix.Tree().Get(fileID)
	require.Len(t, node.Symbols, 2)

	var keepID types.NodeId
	for _, symID := range node.Symbols {
		sym, _ := ix.Tree().Get(symID)
		if sym.Name == "Keep" {
			keepID = symID
		}
	}
	require.NotZero(t, keepID)

	// Drop() disappears and NewFunc() is added; Keep() is untouched.
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc Keep() {}\n\nfunc NewFunc() {}\n"), 0o644))
	ix.ApplyBatch(watch.Batch{Modified: []string{"main.go"}})

	node, _ = ix.Tree().Get(fileID)
	require.Len(t, node.Symbols, 2)

	var names []string
	var sawKeepID bool
	for _, symID := range node.Symbols {
		sym, ok := ix.Tree().Get(symID)
		require.True(t, ok)
		names = append(names, sym.Name)
		if symID == keepID {
			sawKeepID = true
			assert.Equal(t, "Keep", sym.Name)
		}
	}
	assert.True(t, sawKeepID, "Keep's NodeId must survive the rescan unchanged")
	assert.ElementsMatch(t, []string{"Keep", "NewFunc"}, names)
}

func TestIndexer_RescanRecomputesImportEdges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "util.go"), []byte("package main\n\nfunc Helper() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.go"), []byte("package main\n\nfunc Other() {}\n"), 0o644))
	mainSrc := "package main\n\nimport \"./util.go\"\n\nfunc Main() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(mainSrc), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"util.go", "other.go", "main.go"}})

	mainID, ok := ix.Tree().ByPath("main.go")
	require.True(t, ok)
	utilID, ok := ix.Tree().ByPath("util.go")
	require.True(t, ok)
	otherID, ok := ix.Tree().ByPath("other.go")
	require.True(t, ok)

	require.Contains(t, ix.Tree().Dependencies(mainID), utilID)

	// Switching the import target must drop the stale edge and add the
	// new one on the very next rescan, not leave the old edge dangling.
	mainSrc = "package main\n\nimport \"./other.go\"\n\nfunc Main() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(mainSrc), 0o644))
	ix.ApplyBatch(watch.Batch{Modified: []string{"main.go"}})

	deps := ix.Tree().Dependencies(mainID)
	assert.Contains(t, deps, otherID)
	assert.NotContains(t, deps, utilID)
}

func TestIndexer_RemovingLastFileInDirectoryCollapsesIt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "only.md"), []byte("x"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"docs/only.md"}})

	fileID, ok := ix.Tree().ByPath("docs/only.md")
	require.True(t, ok)
	node, _ := ix.Tree().Get(fileID)
	dirID := node.Parent

	require.NoError(t, os.Remove(filepath.Join(root, "docs", "only.md")))
	ix.ApplyBatch(watch.Batch{Removed: []string{"docs/only.md"}})

	_, stillThere := ix.Tree().Get(dirID)
	assert.False(t, stillThere, "an emptied directory must be collapsed out of the tree")
}

func TestIndexer_RecentFilesOrderedMostRecentFirst(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("b"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"a.md"}})
	time.Sleep(5 * time.Millisecond)
	ix.ApplyBatch(watch.Batch{Created: []string{"b.md"}})

	recent := ix.RecentFiles(time.Minute)
	require.Len(t, recent, 2)
	assert.Equal(t, "b.md", recent[0])
	assert.Equal(t, "a.md", recent[1])
}

func TestIndexer_RecentFilesExcludesStaleEntries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("a"), 0o644))

	ix := newTestIndexer(root)
	ix.ApplyBatch(watch.Batch{Created: []string{"a.md"}})

	assert.Empty(t, ix.RecentFiles(-time.Second))
}
