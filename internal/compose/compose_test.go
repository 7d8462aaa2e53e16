package compose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/memory"
	"github.com/engram-dev/engram/internal/projectstore"
	"github.com/engram-dev/engram/internal/store/layout"
	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
)

// buildS1Project constructs the spec.md §8 S1 fixture: a.py imports b.py,
// b.py defines symbol hello.
func buildS1Project(t *testing.T) (*projectstore.Project, types.NodeId, types.NodeId, types.NodeId) {
	t.Helper()
	dataDir := t.TempDir()
	l := layout.New(dataDir, "proj1")
	require.NoError(t, l.EnsureDirs())
	mem, err := memory.Open(l)
	require.NoError(t, err)

	tr := tree.New()
	fileA, err := tr.AddFile(tr.Root(), "a.py", "a.py", "python", 1, 10)
	require.NoError(t, err)
	fileB, err := tr.AddFile(tr.Root(), "b.py", "b.py", "python", 2, 10)
	require.NoError(t, err)
	symHello, err := tr.AddSymbol(fileB, "hello", types.SymbolFunction, types.Span{StartLine: 1, EndLine: 3})
	require.NoError(t, err)
	tr.AddImport(fileA, fileB)

	p := &projectstore.Project{Root: "/tmp/proj1", Tree: tr, Memory: mem}
	return p, fileA, fileB, symHello
}

func TestCompose_S1ColdInitWarmRead(t *testing.T) {
	p, fileA, _, symHello := buildS1Project(t)
	c := New(config.Default(), nil)

	view, diag, err := c.Compose(p, "explain hello", nil, nil)
	require.NoError(t, err)

	assert.Contains(t, view.Focus.Primary, symHello, "hello symbol must be in focus")
	assert.Contains(t, view.Focus.AutoLoaded, fileA, "a.py must be auto-loaded")
	assert.Contains(t, view.Rendered, "## Focus Area")
	assert.Contains(t, view.Rendered, "b.py")
	assert.Contains(t, view.Rendered, "hello")
	assert.True(t, diag.SemanticFellBack, "\"explain\" routes semantic, which falls back to structural absent an index")
}

func TestCompose_S3RenameInvalidatesFocusMatch(t *testing.T) {
	p, _, fileB, symHello := buildS1Project(t)
	c := New(config.Default(), nil)

	view, _, err := c.Compose(p, "explain hello", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, view.Focus.Primary, symHello)

	// simulate the watcher+indexer renaming hello -> hi
	p.Tree.RemoveFile(fileB)
	newFileB, err := p.Tree.AddFile(p.Tree.Root(), "b.py", "b.py", "python", 3, 10)
	require.NoError(t, err)
	_, err = p.Tree.AddSymbol(newFileB, "hi", types.SymbolFunction, types.Span{StartLine: 1, EndLine: 3})
	require.NoError(t, err)

	view2, _, err := c.Compose(p, "explain hello", nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, view2.Rendered, "hello", "renamed symbol must no longer surface under its old name")
}

func TestCompose_EmptyPromptFallsBackToRecentFiles(t *testing.T) {
	p, _, _, _ := buildS1Project(t)
	c := New(config.Default(), nil)

	view, _, err := c.Compose(p, "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, view.Focus.Primary, "no indexer and no recent touches means an empty primary set, not an error")
}

func TestCompose_FocusHintWins(t *testing.T) {
	p, fileA, _, _ := buildS1Project(t)
	c := New(config.Default(), nil)

	view, diag, err := c.Compose(p, "", nil, []types.NodeId{fileA})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeId{fileA}, view.Focus.Primary)
	assert.False(t, diag.SemanticFellBack)
}

func TestCompose_AnchorPinsRecentMemories(t *testing.T) {
	p, _, _, _ := buildS1Project(t)
	_, err := p.Memory.Put(types.MemoryEntry{ID: "d1", Kind: types.MemoryDecision, Content: "use dataclasses"})
	require.NoError(t, err)

	c := New(config.Default(), nil)
	view, _, err := c.Compose(p, "", nil, nil)
	require.NoError(t, err)

	require.Len(t, view.Anchor.RecentMemories, 1)
	assert.Equal(t, "d1", view.Anchor.RecentMemories[0].ID)
	assert.Contains(t, view.Rendered, "mem:d1")
}

func TestCompose_StructuralTriggerResolvesDependents(t *testing.T) {
	p, fileA, fileB, _ := buildS1Project(t)
	c := New(config.Default(), nil)

	view, diag, err := c.Compose(p, "who imports b.py", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, RouteStructural, diag.Route)
	assert.Contains(t, view.Focus.Primary, fileA, "who-imports should return the dependent, not the named file")
	_ = fileB
}

func TestCompose_RenderBudgetTruncatesHorizon(t *testing.T) {
	p, _, _, _ := buildS1Project(t)
	cfg := config.Default()
	cfg.Context.MaxRenderBytes = 10 // smaller than the Anchor+Focus headers alone, forces truncation
	c := New(cfg, nil)

	view, diag, err := c.Compose(p, "", nil, nil)
	require.NoError(t, err)
	assert.True(t, diag.Truncated)
	assert.LessOrEqual(t, len(view.Rendered), cfg.Context.MaxRenderBytes)
}

func TestCompose_HorizonExcludesFocusNodes(t *testing.T) {
	p, fileA, _, symHello := buildS1Project(t)
	c := New(config.Default(), nil)

	view, _, err := c.Compose(p, "explain hello", nil, nil)
	require.NoError(t, err)

	// a.py is auto-loaded (focus), so its horizon entry should carry no
	// symbols of its own duplicated, and b.py's "hello" symbol must not
	// reappear under Horizon once it's already pinned in Focus.
	horizonText := view.Rendered[strings.Index(view.Rendered, "## Horizon"):]
	assert.NotContains(t, horizonText, "function hello")
	_ = fileA
	_ = symHello
}
