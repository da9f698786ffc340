package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceLifecycle(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "job-1")
	require.NoError(t, err)

	dir, err := ws.Subdir("primary")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	inside := filepath.Join(dir, "segment_000.mp3")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o644))

	assert.True(t, ws.Contains(inside))
	require.NoError(t, ws.Remove(inside))
	assert.NoFileExists(t, inside)

	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Root())
}

func TestWorkspaceRemoveIgnoresOutsidePaths(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "job-2")
	require.NoError(t, err)
	defer ws.Close()

	// The original asset lives outside the workspace and must survive
	// segment cleanup.
	outside := filepath.Join(t.TempDir(), "original.mp3")
	require.NoError(t, os.WriteFile(outside, []byte("asset"), 0o644))

	assert.False(t, ws.Contains(outside))
	require.NoError(t, ws.Remove(outside))
	assert.FileExists(t, outside)
}

func TestWorkspaceRemoveMissingFile(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "job-3")
	require.NoError(t, err)
	defer ws.Close()

	assert.NoError(t, ws.Remove(ws.Path("never-created.mp3")))
}
