package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_CoalescesRapidWritesIntoOneModified(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(root, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case batch := <-w.Events():
		assert.Contains(t, batch.Modified, "a.txt")
		assert.Empty(t, batch.Created)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a coalesced batch")
	}
}

func TestWatcher_CreateThenDeleteCancelsOut(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	path := filepath.Join(root, "ephemeral.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	select {
	case batch := <-w.Events():
		assert.NotContains(t, batch.Created, "ephemeral.txt")
		assert.NotContains(t, batch.Removed, "ephemeral.txt")
	case <-time.After(3 * time.Second):
		// No batch at all is also an acceptable outcome: the create+delete
		// pair cancelled before the debounce window ever fired.
	}
}

func TestWatcher_ShouldIgnoreSkipsPath(t *testing.T) {
	root := t.TempDir()
	ignore := func(rel string) bool { return rel == "ignored.txt" }

	w, err := New(root, ignore)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.txt"), []byte("x"), 0o644))

	select {
	case batch := <-w.Events():
		assert.NotContains(t, batch.Created, "ignored.txt")
		assert.Contains(t, batch.Created, "kept.txt")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a batch")
	}
}

func TestBatch_Empty(t *testing.T) {
	assert.True(t, Batch{}.Empty())
	assert.False(t, Batch{Modified: []string{"a"}}.Empty())
}
