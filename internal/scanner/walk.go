package scanner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/engram-dev/engram/internal/tree"
	"github.com/engram-dev/engram/internal/types"
)

// FullScan walks root and builds a fresh Tree, ignoring paths matched by
// s.ignore. Directories are created on demand as files are discovered so
// that an empty directory containing only ignored files never appears in
// the tree.
func (s *Scanner) FullScan(root string) (*tree.Tree, error) {
	t := tree.New()
	dirNodes := map[string]types.NodeId{".": t.Root()}

	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if s.ShouldIgnore(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	pathToFile := make(map[string]types.NodeId, len(files))
	fileImports := make(map[string][]string, len(files))

	for _, rel := range files {
		parent, err := s.ensureDir(t, dirNodes, filepath.Dir(rel))
		if err != nil {
			return nil, err
		}
		res, err := s.ScanFile(filepath.Join(root, rel), rel)
		if err != nil {
			continue
		}
		id, err := t.AddFile(parent, filepath.Base(rel), rel, res.Language, res.ContentHash, res.LineCount)
		if err != nil {
			continue
		}
		pathToFile[rel] = id
		for _, sym := range res.Symbols {
			t.AddSymbol(id, sym.Name, sym.Kind, sym.Span)
		}
		if len(res.ImportPaths) > 0 {
			fileImports[rel] = res.ImportPaths
		}
	}

	for from, paths := range fileImports {
		fromID := pathToFile[from]
		exact := func(p string) (types.NodeId, bool) { id, ok := pathToFile[p]; return id, ok }
		bySuffix := func(base string) (types.NodeId, bool) { return bySuffixIn(pathToFile, base) }
		for _, p := range paths {
			if toID, ok := ResolveImportPath(from, p, exact, bySuffix); ok {
				t.AddImport(fromID, toID)
			}
		}
	}

	return t, nil
}

func (s *Scanner) ensureDir(t *tree.Tree, dirNodes map[string]types.NodeId, dir string) (types.NodeId, error) {
	dir = filepath.ToSlash(dir)
	if dir == "." || dir == "" {
		return t.Root(), nil
	}
	if id, ok := dirNodes[dir]; ok {
		return id, nil
	}
	parent, err := s.ensureDir(t, dirNodes, filepath.Dir(dir))
	if err != nil {
		return 0, err
	}
	id, err := t.AddDirectory(parent, filepath.Base(dir))
	if err != nil {
		return 0, err
	}
	dirNodes[dir] = id
	return id, nil
}

// ResolveImportPath maps a raw import path string found in fromRel onto
// an already-discovered file within the project by relative-path or
// basename matching. This is a best-effort heuristic (no
// language-specific module resolution, e.g. no go.mod-aware package
// resolution, no Python sys.path, no node_modules/package.json
// resolution) - imports that resolve outside the project, or to a path
// the caller hasn't seen, are simply dropped.
//
// exact resolves a candidate relative path exactly (used for the
// dot-prefixed relative-import case); bySuffix resolves a bare package
// name against every path the caller knows about (used for absolute
// import strings). A full project scan backs both lookups with a single
// path map; the incremental indexer backs them with the live Tree so a
// single rescanned file resolves against everything already indexed.
func ResolveImportPath(fromRel, importPath string, exact, bySuffix func(string) (types.NodeId, bool)) (types.NodeId, bool) {
	importPath = strings.TrimSuffix(importPath, "/")
	if importPath == "" {
		return 0, false
	}

	if strings.HasPrefix(importPath, ".") {
		candidate := filepath.ToSlash(filepath.Join(filepath.Dir(fromRel), importPath))
		for _, ext := range []string{"", ".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".rs", ".java", ".cpp", ".c", ".h", ".cs", ".php"} {
			if id, ok := exact(candidate + ext); ok {
				return id, true
			}
			if id, ok := exact(candidate + "/index" + ext); ok {
				return id, true
			}
		}
		return 0, false
	}

	base := importPath[strings.LastIndex(importPath, "/")+1:]
	return bySuffix(base)
}

// bySuffixIn resolves base against every relative path FullScan has
// discovered so far, mirroring Tree.BySuffix's matching rule.
func bySuffixIn(pathToFile map[string]types.NodeId, base string) (types.NodeId, bool) {
	for relPath, id := range pathToFile {
		if strings.HasSuffix(relPath, "/"+base) || relPath == base {
			return id, true
		}
		if strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)) == base {
			return id, true
		}
	}
	return 0, false
}
