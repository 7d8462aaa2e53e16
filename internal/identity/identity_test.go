package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectHash_DeterministicForSamePath(t *testing.T) {
	a, err := ProjectHash("/tmp/project")
	require.NoError(t, err)
	b, err := ProjectHash("/tmp/project")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestProjectHash_DiffersForDifferentPaths(t *testing.T) {
	a, err := ProjectHash("/tmp/project-a")
	require.NoError(t, err)
	b, err := ProjectHash("/tmp/project-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestProjectHash_NormalizesUncleanPaths(t *testing.T) {
	a, err := ProjectHash("/tmp/project/../project")
	require.NoError(t, err)
	b, err := ProjectHash("/tmp/project")
	require.NoError(t, err)
	assert.Equal(t, a, b, "Clean must fold ../ before hashing so equivalent paths hash identically")
}

func TestMustProjectHash_MatchesProjectHash(t *testing.T) {
	want, err := ProjectHash("/tmp/project")
	require.NoError(t, err)
	assert.Equal(t, want, MustProjectHash("/tmp/project"))
}
