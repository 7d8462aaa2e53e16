// Package tree implements the in-memory project tree model: a dense
// NodeId space over Directory/File/Symbol nodes plus the forward/reverse
// import dependency graph (spec.md §4.E).
package tree

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/engram-dev/engram/internal/errors"
	"github.com/engram-dev/engram/internal/types"
)

// Tree holds one project's structural index. NodeIds are allocated
// densely starting at 1 (0 is reserved as "no node") and are never
// reused within a process lifetime, so a NodeId handed out in a
// GetContext response stays valid (or resolves to "deleted") until the
// project is evicted from the store.
type Tree struct {
	mu sync.RWMutex

	nodes   map[types.NodeId]*types.Node
	nextID  types.NodeId
	root    types.NodeId
	byPath  map[string]types.NodeId // RelPath -> file NodeId

	// forward[a] = set of nodes a imports; reverse[b] = set of nodes that
	// import b. Kept symmetric as an invariant (spec.md §8 "dependency
	// graph symmetry").
	forward map[types.NodeId]map[types.NodeId]bool
	reverse map[types.NodeId]map[types.NodeId]bool
}

func New() *Tree {
	t := &Tree{
		nodes:   make(map[types.NodeId]*types.Node),
		byPath:  make(map[string]types.NodeId),
		forward: make(map[types.NodeId]map[types.NodeId]bool),
		reverse: make(map[types.NodeId]map[types.NodeId]bool),
		nextID:  1,
	}
	t.root = t.allocLocked()
	t.nodes[t.root] = &types.Node{
		ID:   t.root,
		Kind: types.NodeDirectory,
		Name: "",
	}
	return t
}

func (t *Tree) allocLocked() types.NodeId {
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tree) Root() types.NodeId { return t.root }

// Get returns the node for id, or (nil, false) if it does not exist
// (either never allocated or already deleted).
func (t *Tree) Get(id types.NodeId) (*types.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// ByPath resolves a file node by its project-relative path.
func (t *Tree) ByPath(relPath string) (types.NodeId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byPath[relPath]
	return id, ok
}

// AddDirectory creates a directory node under parent.
func (t *Tree) AddDirectory(parent types.NodeId, name string) (types.NodeId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.nodes[parent]
	if !ok || p.Kind != types.NodeDirectory {
		return 0, errors.New(errors.InvalidRequest, "tree.AddDirectory", nil).WithPath(name)
	}
	id := t.allocLocked()
	t.nodes[id] = &types.Node{ID: id, Kind: types.NodeDirectory, Name: name, Parent: parent, HasParent: true}
	p.Children = append(p.Children, id)
	return id, nil
}

// AddFile creates a file node under parent with the given relative path.
func (t *Tree) AddFile(parent types.NodeId, name, relPath, language string, contentHash uint64, lineCount int) (types.NodeId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.nodes[parent]
	if !ok || p.Kind != types.NodeDirectory {
		return 0, errors.New(errors.InvalidRequest, "tree.AddFile", nil).WithPath(relPath)
	}
	id := t.allocLocked()
	t.nodes[id] = &types.Node{
		ID: id, Kind: types.NodeFile, Name: name, Parent: parent, HasParent: true,
		RelPath: relPath, Language: language, ContentHash: contentHash, LineCount: lineCount,
	}
	p.Children = append(p.Children, id)
	t.byPath[relPath] = id
	return id, nil
}

// AddSymbol creates a symbol node owned by file.
func (t *Tree) AddSymbol(file types.NodeId, name string, kind types.SymbolKind, span types.Span) (types.NodeId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.nodes[file]
	if !ok || f.Kind != types.NodeFile {
		return 0, errors.New(errors.InvalidRequest, "tree.AddSymbol", nil).WithPath(name)
	}
	id := t.allocLocked()
	t.nodes[id] = &types.Node{
		ID: id, Kind: types.NodeSymbol, Name: name, Parent: file, HasParent: true,
		SymbolKind: kind, File: file, SymbolSpan: span,
	}
	f.Symbols = append(f.Symbols, id)
	return id, nil
}

// RemoveFile deletes a file node, its symbols, and all dependency edges
// touching any of them, then collapses any ancestor directory left with
// no children. Used by the incremental indexer when a watched path is
// removed.
func (t *Tree) RemoveFile(file types.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.nodes[file]
	if !ok || f.Kind != types.NodeFile {
		return
	}
	for _, sym := range f.Symbols {
		t.removeNodeLocked(sym)
	}
	delete(t.byPath, f.RelPath)
	parent, hasParent := f.Parent, f.HasParent
	t.removeNodeLocked(file)
	if hasParent {
		if p, ok := t.nodes[parent]; ok {
			p.Children = removeID(p.Children, file)
			t.collapseEmptyDirLocked(parent)
		}
	}
}

// collapseEmptyDirLocked removes dir and walks up its ancestor chain,
// removing each directory that becomes empty as a result. The root is
// never removed, even if it has no children.
func (t *Tree) collapseEmptyDirLocked(dir types.NodeId) {
	for dir != t.root {
		d, ok := t.nodes[dir]
		if !ok || len(d.Children) > 0 {
			return
		}
		parent, hasParent := d.Parent, d.HasParent
		t.removeNodeLocked(dir)
		if !hasParent {
			return
		}
		if p, ok := t.nodes[parent]; ok {
			p.Children = removeID(p.Children, dir)
		}
		dir = parent
	}
}

// UpdateFile refreshes a file node's scan-derived metadata in place,
// keeping its NodeId stable across a rescan.
func (t *Tree) UpdateFile(file types.NodeId, language string, contentHash uint64, lineCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.nodes[file]
	if !ok || f.Kind != types.NodeFile {
		return
	}
	f.Language = language
	f.ContentHash = contentHash
	f.LineCount = lineCount
}

// UpdateSymbolSpan updates a symbol node's span in place, used when a
// rescan matches an existing symbol by (kind, name, span.line_start) but
// its end line shifted.
func (t *Tree) UpdateSymbolSpan(symbol types.NodeId, span types.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[symbol]
	if !ok || n.Kind != types.NodeSymbol {
		return
	}
	n.SymbolSpan = span
}

// RemoveSymbol deletes a single symbol node and detaches it from its
// owning file, leaving the file node and its other symbols untouched.
func (t *Tree) RemoveSymbol(symbol types.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[symbol]
	if !ok || n.Kind != types.NodeSymbol {
		return
	}
	if f, ok := t.nodes[n.File]; ok {
		f.Symbols = removeID(f.Symbols, symbol)
	}
	t.removeNodeLocked(symbol)
}

// BySuffix resolves a file node by matching base against every known
// relative path's trailing path segment or extension-stripped basename.
// Used by import resolution for non-relative import strings, which name
// a package/module rather than a path relative to the importing file.
func (t *Tree) BySuffix(base string) (types.NodeId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for relPath, id := range t.byPath {
		if strings.HasSuffix(relPath, "/"+base) || relPath == base {
			return id, true
		}
		if strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)) == base {
			return id, true
		}
	}
	return 0, false
}

func (t *Tree) removeNodeLocked(id types.NodeId) {
	delete(t.nodes, id)
	for to := range t.forward[id] {
		delete(t.reverse[to], id)
	}
	delete(t.forward, id)
	for from := range t.reverse[id] {
		delete(t.forward[from], id)
	}
	delete(t.reverse, id)
}

func removeID(s []types.NodeId, target types.NodeId) []types.NodeId {
	out := s[:0]
	for _, id := range s {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// AddImport records a directed dependency edge from -> to, keeping the
// reverse index in sync.
func (t *Tree) AddImport(from, to types.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forward[from] == nil {
		t.forward[from] = make(map[types.NodeId]bool)
	}
	if t.reverse[to] == nil {
		t.reverse[to] = make(map[types.NodeId]bool)
	}
	t.forward[from][to] = true
	t.reverse[to][from] = true
}

// ClearImportsFrom removes all outgoing edges from a file node, used
// before re-recording a file's imports on rescan.
func (t *Tree) ClearImportsFrom(from types.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for to := range t.forward[from] {
		delete(t.reverse[to], from)
	}
	delete(t.forward, from)
}

func (t *Tree) Dependencies(of types.NodeId) []types.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeId, 0, len(t.forward[of]))
	for id := range t.forward[of] {
		out = append(out, id)
	}
	return out
}

func (t *Tree) Dependents(of types.NodeId) []types.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.NodeId, 0, len(t.reverse[of]))
	for id := range t.reverse[of] {
		out = append(out, id)
	}
	return out
}

// CheckWellFormed validates the structural invariants spec.md §8 requires:
// every non-root node has a parent that lists it as a child exactly once,
// and the forward/reverse dependency maps are symmetric.
func (t *Tree) CheckWellFormed() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, n := range t.nodes {
		if id == t.root {
			continue
		}
		if !n.HasParent {
			return errors.New(errors.Internal, "tree.CheckWellFormed", nil).WithPath(n.Name)
		}
		parent, ok := t.nodes[n.Parent]
		if !ok {
			return errors.New(errors.Internal, "tree.CheckWellFormed", nil).WithPath(n.Name)
		}
		if n.Kind != types.NodeSymbol {
			count := 0
			for _, c := range parent.Children {
				if c == id {
					count++
				}
			}
			if count != 1 {
				return errors.New(errors.Internal, "tree.CheckWellFormed", nil).WithPath(n.Name)
			}
		}
	}

	for from, tos := range t.forward {
		for to := range tos {
			if !t.reverse[to][from] {
				return errors.New(errors.Internal, "tree.CheckWellFormed", nil)
			}
		}
	}
	for to, froms := range t.reverse {
		for from := range froms {
			if !t.forward[from][to] {
				return errors.New(errors.Internal, "tree.CheckWellFormed", nil)
			}
		}
	}
	return nil
}

// Skeleton renders the directory/file/symbol outline used by the
// composer's Anchor layer and by skeleton.<codec> persistence.
func (t *Tree) Skeleton() types.SkeletonTree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var build func(id types.NodeId) types.SkeletonNode
	build = func(id types.NodeId) types.SkeletonNode {
		n := t.nodes[id]
		sn := types.SkeletonNode{Name: n.Name, IsDir: n.Kind == types.NodeDirectory}
		switch n.Kind {
		case types.NodeDirectory:
			for _, c := range n.Children {
				sn.Children = append(sn.Children, build(c))
			}
		case types.NodeFile:
			for _, s := range n.Symbols {
				sym := t.nodes[s]
				sn.Symbols = append(sn.Symbols, sym.SymbolKind.String()+" "+sym.Name)
			}
		}
		return sn
	}
	return types.SkeletonTree{Root: build(t.root)}
}
