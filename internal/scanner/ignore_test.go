package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreMatcher_MatchesConfiguredPatterns(t *testing.T) {
	m := NewIgnoreMatcher([]string{"**/node_modules/**", "*.log"})
	assert.True(t, m.Match("node_modules/left-pad/index.js"))
	assert.True(t, m.Match("debug.log"))
	assert.False(t, m.Match("src/main.go"))
}

func TestIgnoreMatcher_LoadGitignoreAppendsPatterns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("# comment\nbuild/\n*.tmp\n"), 0o644))

	m := NewIgnoreMatcher(nil)
	require.NoError(t, m.LoadGitignore(root))

	assert.True(t, m.Match("build/output/bin"))
	assert.True(t, m.Match("scratch.tmp"))
	assert.False(t, m.Match("src/main.go"))
}

func TestIgnoreMatcher_LoadGitignoreMissingFileIsNotError(t *testing.T) {
	m := NewIgnoreMatcher(nil)
	assert.NoError(t, m.LoadGitignore(t.TempDir()))
}
