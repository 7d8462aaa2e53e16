// Package compose builds the three-layer anchor/focus/horizon context
// view a GetContext or PrepareContext request renders (spec.md §4.K).
package compose

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/memory"
	"github.com/engram-dev/engram/internal/metrics"
	"github.com/engram-dev/engram/internal/projectstore"
	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
)

// rulesPath is the well-known project-relative location of free-text
// project rules pulled into every Anchor (spec.md §4.K "project-rules
// text ... at a well-known relative path"). The spec leaves the exact
// path an implementation decision; this one mirrors the data directory's
// own ".engram"-prefixed convention (spec.md §6 on-disk layout).
const rulesPath = ".engram/RULES.md"

// sessionWindow is the default lookback for a prompt-less Focus.primary
// (spec.md §4.K "files modified in the last session window (default 30
// minutes)").
const sessionWindow = 30 * time.Minute

// recentMemoryCount is the top-N most recent memory entries pinned into
// Anchor (spec.md §4.K "top-N (default 5)").
const recentMemoryCount = 5

// hotNodeCount bounds Horizon.HotNodes: the most-depended-on files in
// the project, used as a cheap "what matters globally" signal absent a
// real usage-frequency tracker. Not named precisely by spec.md §3; this
// is this composer's concrete choice for an otherwise-unspecified field.
const hotNodeCount = 10

var anchorMemoryKinds = []types.MemoryKind{
	types.MemoryDecision,
	types.MemorySessionSummary,
	types.MemoryTaskResult,
	types.MemoryFailure,
}

// Diagnostics records composer-internal facts useful for debugging a
// GetContext response (spec.md §4.K "annotated with its source id so
// results are debuggable"); it is not part of the wire response, only
// logged.
type Diagnostics struct {
	Route            RouteKind
	SemanticFellBack bool
	Truncated        bool
}

// Composer assembles ContextViews for a live project.
type Composer struct {
	cfg     *config.Config
	metrics *metrics.Registry
}

func New(cfg *config.Config, reg *metrics.Registry) *Composer {
	return &Composer{cfg: cfg, metrics: reg}
}

// Compose builds a full ContextView for (project, prompt, constraints).
// focusHint, when non-empty, seeds Focus.primary directly (used by
// ExpandFocus-style callers that already know which nodes they want);
// otherwise Focus.primary is derived from the prompt or, absent one,
// recently touched files.
func (c *Composer) Compose(p *projectstore.Project, prompt string, constraints []string, focusHint []types.NodeId) (types.ContextView, Diagnostics, error) {
	var diag Diagnostics

	anchor := c.buildAnchor(p, constraints)

	primary, route, fellBack := c.resolvePrimary(p, prompt, focusHint)
	diag.Route = route
	diag.SemanticFellBack = fellBack

	autoLoaded := c.autoLoadedClosure(p.Tree, primary)
	focus := types.Focus{Primary: primary, AutoLoaded: autoLoaded}

	inFocus := make(map[types.NodeId]bool, len(primary)+len(autoLoaded))
	for _, id := range primary {
		inFocus[id] = true
	}
	for _, id := range autoLoaded {
		inFocus[id] = true
	}

	horizon := c.buildHorizon(p.Tree, inFocus)

	view := types.ContextView{Anchor: anchor, Focus: focus, Horizon: horizon}
	rendered, nodeIDs, truncated := render(view, p.Tree, c.cfg.Context.MaxRenderBytes)
	diag.Truncated = truncated
	view.Rendered = rendered
	view.NodeIDs = nodeIDs

	return view, diag, nil
}

func (c *Composer) buildAnchor(p *projectstore.Project, constraints []string) types.Anchor {
	anchor := types.Anchor{Constraints: constraints}

	if data, err := os.ReadFile(filepath.Join(p.Root, rulesPath)); err == nil {
		anchor.Rules = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	anchor.RecentMemories = p.Memory.List(memory.ListOptions{
		Limit: recentMemoryCount,
		Kinds: anchorMemoryKinds,
	})
	return anchor
}

// resolvePrimary derives Focus.primary per spec.md §4.K: focusHint wins
// outright; otherwise a prompt is routed and resolved structurally,
// semantically (falling back to structural absent an index), or via RRF
// hybrid merge; an empty prompt falls back to recently touched files.
func (c *Composer) resolvePrimary(p *projectstore.Project, prompt string, focusHint []types.NodeId) ([]types.NodeId, RouteKind, bool) {
	if len(focusHint) > 0 {
		return focusHint, RouteStructural, false
	}

	if prompt == "" {
		return c.recentlyTouched(p), RouteStructural, false
	}

	route := Classify(prompt)
	structural := resolveStructural(p.Tree, prompt)

	switch route {
	case RouteStructural:
		return structural, route, false
	case RouteSemantic:
		// No semantic index is plugged into this daemon (SPEC_FULL.md
		// §9 Open Question: semantic index omitted); fall back to
		// structural and record it.
		return structural, route, true
	default: // RouteHybrid
		semantic := []types.NodeId(nil) // same absent-index fallback
		merged := rrfMerge([][]types.NodeId{structural, semantic})
		return merged, route, true
	}
}

func (c *Composer) recentlyTouched(p *projectstore.Project) []types.NodeId {
	if p.Indexer == nil {
		return nil
	}
	paths := p.Indexer.RecentFiles(sessionWindow)
	out := make([]types.NodeId, 0, len(paths))
	for _, rel := range paths {
		if id, ok := p.Tree.ByPath(rel); ok {
			out = append(out, id)
		}
	}
	return out
}

// resolveStructural resolves a prompt by name/path/import traversal:
// phrases naming a file or symbol are matched against the tree, and
// "what calls"/"who imports"/"dependencies of" additionally pull in the
// matched node's dependents or dependencies (spec.md §4.K "Structural
// routing resolves the query by name/path/import traversal").
func resolveStructural(t *tree.Tree, prompt string) []types.NodeId {
	lower := strings.ToLower(prompt)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r == '.' || r == '_' || r == '/' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	matched := matchNodesByToken(t, tokens)

	wantDependents := strings.Contains(lower, "what calls") || strings.Contains(lower, "who imports")
	wantDependencies := strings.Contains(lower, "dependencies of")

	var out []types.NodeId
	seen := make(map[types.NodeId]bool)
	add := func(id types.NodeId) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, id := range matched {
		switch {
		case wantDependents:
			for _, d := range t.Dependents(id) {
				add(d)
			}
		case wantDependencies:
			for _, d := range t.Dependencies(id) {
				add(d)
			}
		default:
			add(id)
		}
	}
	return out
}

// matchNodesByToken walks every file and symbol name in the tree and
// keeps those whose name (lowercased) equals, or whose file basename
// stem matches, any token from the prompt. Small projects only; Tree
// keeps a byPath map but no by-name index, so every node is visited.
func matchNodesByToken(t *tree.Tree, tokens []string) []types.NodeId {
	wanted := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			wanted[tok] = true
		}
	}

	var out []types.NodeId
	var walk func(id types.NodeId)
	walk = func(id types.NodeId) {
		n, ok := t.Get(id)
		if !ok {
			return
		}
		switch n.Kind {
		case types.NodeDirectory:
			for _, c := range n.Children {
				walk(c)
			}
		case types.NodeFile:
			base := strings.ToLower(strings.TrimSuffix(filepath.Base(n.RelPath), filepath.Ext(n.RelPath)))
			if wanted[base] || wanted[strings.ToLower(filepath.Base(n.RelPath))] {
				out = append(out, id)
			}
			for _, s := range n.Symbols {
				sym, ok := t.Get(s)
				if ok && wanted[strings.ToLower(sym.Name)] {
					out = append(out, s)
				}
			}
		}
	}
	walk(t.Root())
	return out
}

// autoLoadedClosure is the depth-1 import closure of primary, capped at
// context.auto_loaded_cap with oldest-import-first truncation (spec.md
// §4.K). Per the worked example (spec.md §8 S1: primary is b.py's symbol
// hello, auto_loaded must contain a.py, which imports b.py) the relevant
// direction is dependents - the files that import into primary - not
// primary's own outgoing imports; this composer follows that example.
// Symbol nodes resolve to their owning file before the lookup, since
// dependency edges are recorded File -> File. "Oldest" has no natural
// meaning for a dependency edge, so truncation here keeps the
// deterministic order in which edges are encountered while walking
// primary in order - effectively "first discovered, first kept".
func (c *Composer) autoLoadedClosure(t *tree.Tree, primary []types.NodeId) []types.NodeId {
	cap := c.cfg.Context.AutoLoadedCap
	primarySet := make(map[types.NodeId]bool, len(primary))
	for _, id := range primary {
		primarySet[id] = true
	}

	seen := make(map[types.NodeId]bool)
	var out []types.NodeId
	for _, id := range primary {
		fileID := id
		if n, ok := t.Get(id); ok && n.Kind == types.NodeSymbol {
			fileID = n.Parent
		}
		for _, dep := range t.Dependents(fileID) {
			if primarySet[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			if cap > 0 && len(out) >= cap {
				return out
			}
		}
	}
	return out
}

func (c *Composer) buildHorizon(t *tree.Tree, inFocus map[types.NodeId]bool) types.Horizon {
	skeleton := filteredSkeleton(t, inFocus)
	return types.Horizon{Skeleton: skeleton, HotNodes: hotNodes(t, inFocus)}
}

// filteredSkeleton renders the full project skeleton and removes any
// file/symbol already present in focus, matching spec.md §4.K "excluding
// any node in focus"; directories are kept even when empty so the
// overview shape stays legible.
func filteredSkeleton(t *tree.Tree, inFocus map[types.NodeId]bool) types.SkeletonTree {
	var build func(id types.NodeId) (types.SkeletonNode, bool)
	build = func(id types.NodeId) (types.SkeletonNode, bool) {
		n, ok := t.Get(id)
		if !ok {
			return types.SkeletonNode{}, false
		}
		switch n.Kind {
		case types.NodeDirectory:
			sn := types.SkeletonNode{Name: n.Name, IsDir: true}
			for _, c := range n.Children {
				if child, ok := build(c); ok {
					sn.Children = append(sn.Children, child)
				}
			}
			return sn, true
		case types.NodeFile:
			if inFocus[id] {
				return types.SkeletonNode{}, false
			}
			sn := types.SkeletonNode{Name: n.Name}
			for _, s := range n.Symbols {
				if inFocus[s] {
					continue
				}
				if sym, ok := t.Get(s); ok {
					sn.Symbols = append(sn.Symbols, sym.SymbolKind.String()+" "+sym.Name)
				}
			}
			return sn, true
		default:
			return types.SkeletonNode{}, false
		}
	}

	root, _ := build(t.Root())
	return types.SkeletonTree{Root: root}
}

// hotNodes picks the hotNodeCount non-focus files with the most
// dependents, a cheap proxy for "globally important" absent a real
// usage-frequency tracker.
func hotNodes(t *tree.Tree, inFocus map[types.NodeId]bool) []types.NodeId {
	type scored struct {
		id    types.NodeId
		count int
	}
	var candidates []scored
	var walk func(id types.NodeId)
	walk = func(id types.NodeId) {
		n, ok := t.Get(id)
		if !ok {
			return
		}
		if n.Kind == types.NodeDirectory {
			for _, c := range n.Children {
				walk(c)
			}
			return
		}
		if n.Kind != types.NodeFile || inFocus[id] {
			return
		}
		if n := len(t.Dependents(id)); n > 0 {
			candidates = append(candidates, scored{id, n})
		}
	}
	walk(t.Root())

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > hotNodeCount {
		candidates = candidates[:hotNodeCount]
	}
	out := make([]types.NodeId, len(candidates))
	for i, s := range candidates {
		out[i] = s.id
	}
	return out
}
