// Package indexer applies file watcher batches to an in-memory Tree
// incrementally, re-scanning only the changed files rather than
// rebuilding the whole project (spec.md §4.I).
package indexer

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/scanner"
	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
	"github.com/engram-dev/engram/internal/watch"
)

// Indexer owns a project's Tree and keeps it in sync with the filesystem.
type Indexer struct {
	root    string
	tree    *tree.Tree
	scanner *scanner.Scanner

	// dirNodes mirrors the directory-creation bookkeeping FullScan uses,
	// kept across incremental updates so newly-created subdirectories
	// don't need a full tree walk to locate their parent.
	dirNodes map[string]types.NodeId

	recentMu sync.Mutex
	recent   map[string]time.Time // relPath -> last touched

	// OnNodeRemoved, when set, is called for every file/symbol node id
	// dropped by a rescan or removal, just before the tree drops it; on a
	// rescan, new symbols are added before dropped ones are reported, and
	// a rescanned file keeps its NodeId and is not reported. The daemon
	// wires this to the context cache's per-node
	// invalidation (spec.md §4.L "a re-indexed node that appears in an
	// entry's node_ids").
	OnNodeRemoved func(types.NodeId)
}

func New(root string, s *scanner.Scanner, t *tree.Tree) *Indexer {
	return &Indexer{
		root:     root,
		tree:     t,
		scanner:  s,
		dirNodes: map[string]types.NodeId{".": t.Root()},
		recent:   make(map[string]time.Time),
	}
}

// Tree returns the live tree this indexer maintains.
func (ix *Indexer) Tree() *tree.Tree { return ix.tree }

// ApplyBatch patches the tree for one coalesced watcher batch: removed
// paths are dropped (file + its symbols + dependency edges), created and
// modified paths are (re)scanned and their symbol/import data replaced.
// Errors from individual file rescans are logged and skipped - a single
// unreadable file must never abort the whole batch (spec.md §7 recoverable
// per-file failures).
func (ix *Indexer) ApplyBatch(b watch.Batch) {
	now := time.Now()
	for _, rel := range b.Removed {
		if id, ok := ix.tree.ByPath(rel); ok {
			ix.notifyRemoved(id)
			ix.tree.RemoveFile(id)
		}
		ix.touch(rel, now)
	}
	for _, rel := range b.Created {
		ix.rescanFile(rel)
		ix.touch(rel, now)
	}
	for _, rel := range b.Modified {
		ix.rescanFile(rel)
		ix.touch(rel, now)
	}
}

func (ix *Indexer) touch(rel string, at time.Time) {
	ix.recentMu.Lock()
	defer ix.recentMu.Unlock()
	ix.recent[rel] = at
}

// RecentFiles returns, most-recently-touched first, the relative paths
// the watcher has reported created/modified/removed within window -
// the composer's Focus.primary source for a prompt-less GetContext
// (spec.md §4.K "the set of files modified in the last session window").
func (ix *Indexer) RecentFiles(window time.Duration) []string {
	ix.recentMu.Lock()
	defer ix.recentMu.Unlock()
	cutoff := time.Now().Add(-window)
	type touched struct {
		rel string
		at  time.Time
	}
	var live []touched
	for rel, at := range ix.recent {
		if at.After(cutoff) {
			live = append(live, touched{rel, at})
		}
	}
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].at.After(live[j-1].at); j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}
	out := make([]string, len(live))
	for i, t := range live {
		out[i] = t.rel
	}
	return out
}

// rescanFile re-scans a single created/modified path and folds the
// result into the tree in place: the file's NodeId is never reallocated
// across a rescan, its symbols are diffed by (kind, name,
// span.line_start) so unchanged symbols keep their NodeId, and its
// outgoing import edges are fully recomputed against the live tree on
// every call - a rescan must never leave stale or missing dependency
// edges for the next GetContext to trip over.
func (ix *Indexer) rescanFile(rel string) {
	abs := filepath.Join(ix.root, rel)
	res, err := ix.scanner.ScanFile(abs, rel)
	if err != nil {
		debug.LogScan("rescan %s: %v", rel, err)
		return
	}

	parent, err := ix.ensureDir(filepath.ToSlash(filepath.Dir(rel)))
	if err != nil {
		debug.LogScan("ensure dir for %s: %v", rel, err)
		return
	}

	id, ok := ix.tree.ByPath(rel)
	if !ok {
		id, err = ix.tree.AddFile(parent, filepath.Base(rel), rel, res.Language, res.ContentHash, res.LineCount)
		if err != nil {
			debug.LogScan("add file %s: %v", rel, err)
			return
		}
		for _, sym := range res.Symbols {
			ix.tree.AddSymbol(id, sym.Name, sym.Kind, sym.Span)
		}
	} else {
		ix.tree.UpdateFile(id, res.Language, res.ContentHash, res.LineCount)
		ix.reconcileSymbols(id, res.Symbols)
	}

	ix.tree.ClearImportsFrom(id)
	exact := ix.tree.ByPath
	bySuffix := ix.tree.BySuffix
	for _, p := range res.ImportPaths {
		if toID, ok := scanner.ResolveImportPath(rel, p, exact, bySuffix); ok {
			ix.tree.AddImport(id, toID)
		}
	}
}

// reconcileSymbols diffs a file's existing symbol set against the
// freshly scanned one, keyed by (kind, name, span.line_start): a symbol
// whose key is unchanged keeps its NodeId (with its span refreshed),
// a key with no prior match gets a new NodeId, and a prior symbol with
// no match in the new scan is removed and reported via OnNodeRemoved.
func (ix *Indexer) reconcileSymbols(file types.NodeId, scanned []scanner.ScannedSymbol) {
	node, ok := ix.tree.Get(file)
	if !ok {
		return
	}
	original := append([]types.NodeId(nil), node.Symbols...)

	type symbolKey struct {
		kind types.SymbolKind
		name string
		line int
	}
	existing := make(map[symbolKey]types.NodeId, len(original))
	for _, symID := range original {
		sym, ok := ix.tree.Get(symID)
		if !ok {
			continue
		}
		existing[symbolKey{sym.SymbolKind, sym.Name, sym.SymbolSpan.StartLine}] = symID
	}

	matched := make(map[types.NodeId]bool, len(existing))
	for _, sym := range scanned {
		key := symbolKey{sym.Kind, sym.Name, sym.Span.StartLine}
		if symID, ok := existing[key]; ok {
			ix.tree.UpdateSymbolSpan(symID, sym.Span)
			matched[symID] = true
			continue
		}
		ix.tree.AddSymbol(file, sym.Name, sym.Kind, sym.Span)
	}

	for _, symID := range original {
		if !matched[symID] {
			ix.notifyRemoved(symID)
			ix.tree.RemoveSymbol(symID)
		}
	}
}

// notifyRemoved reports id and its symbols (if it is a file node) to
// OnNodeRemoved before the tree drops them.
func (ix *Indexer) notifyRemoved(id types.NodeId) {
	if ix.OnNodeRemoved == nil {
		return
	}
	if n, ok := ix.tree.Get(id); ok {
		for _, sym := range n.Symbols {
			ix.OnNodeRemoved(sym)
		}
	}
	ix.OnNodeRemoved(id)
}

func (ix *Indexer) ensureDir(dir string) (types.NodeId, error) {
	if dir == "." || dir == "" {
		return ix.tree.Root(), nil
	}
	if id, ok := ix.dirNodes[dir]; ok {
		return id, nil
	}
	parent, err := ix.ensureDir(filepath.ToSlash(filepath.Dir(dir)))
	if err != nil {
		return 0, err
	}
	id, err := ix.tree.AddDirectory(parent, filepath.Base(dir))
	if err != nil {
		return 0, err
	}
	ix.dirNodes[dir] = id
	return id, nil
}

// FullReindex rescans every file already known to the tree, in place.
// Each rescanFile call recomputes that file's symbols and import edges
// from scratch, so a full reindex is just the batch-processing path
// applied to the whole project rather than one watcher-reported slice of
// it - useful after a bulk change (e.g. a config reload that widens the
// exclude set) where re-deriving everything is simpler than reasoning
// about which files the change actually touched.
func (ix *Indexer) FullReindex() {
	var paths []string
	var walk func(id types.NodeId)
	walk = func(id types.NodeId) {
		n, ok := ix.tree.Get(id)
		if !ok {
			return
		}
		switch n.Kind {
		case types.NodeDirectory:
			for _, c := range n.Children {
				walk(c)
			}
		case types.NodeFile:
			paths = append(paths, n.RelPath)
		}
	}
	walk(ix.tree.Root())

	for _, rel := range paths {
		ix.rescanFile(rel)
	}
	debug.LogScan("full reindex rescanned %d files for %s", len(paths), ix.root)
}
