package scanner

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreMatcher matches project-relative paths against a set of
// doublestar glob patterns: the config's Exclude list plus any
// .gitignore found at the project root. Using doublestar (rather than
// the teacher's hand-rolled regex gitignore engine) gets the same
// glob semantics from a maintained third-party matcher.
type IgnoreMatcher struct {
	patterns []string
}

func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	return &IgnoreMatcher{patterns: append([]string(nil), patterns...)}
}

// LoadGitignore appends patterns from root's .gitignore, converting bare
// directory/name entries into the "**/name/**"-style globs the scanner's
// default exclude list already uses. A missing .gitignore is not an error.
func (m *IgnoreMatcher) LoadGitignore(root string) error {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := scan.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		m.patterns = append(m.patterns, gitignoreToGlob(line))
	}
	return scan.Err()
}

func gitignoreToGlob(line string) string {
	if len(line) > 0 && line[len(line)-1] == '/' {
		return "**/" + line + "**"
	}
	if filepath.Base(line) == line {
		return "**/" + line
	}
	return line
}

// Match reports whether relPath (slash-separated, project-relative)
// should be excluded from scanning/watching.
func (m *IgnoreMatcher) Match(relPath string) bool {
	for _, pat := range m.patterns {
		if ok, _ := doublestar.Match(pat, relPath); ok {
			return true
		}
	}
	return false
}
