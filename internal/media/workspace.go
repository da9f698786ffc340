package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a scoped temp directory owned by a single job. Every file the
// pipeline produces for that job lives under it, and Close removes the whole
// tree on every exit path.
type Workspace struct {
	root string
}

// NewWorkspace creates a fresh directory under baseDir for one job.
func NewWorkspace(baseDir, jobID string) (*Workspace, error) {
	root, err := os.MkdirTemp(baseDir, fmt.Sprintf("callscribe-%s-*", jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Path returns an absolute path for a file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.root, name)
}

// Subdir creates and returns a named subdirectory, e.g. one per pipeline pass.
func (w *Workspace) Subdir(name string) (string, error) {
	dir := filepath.Join(w.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace subdir: %w", err)
	}
	return dir, nil
}

// Contains reports whether path lives inside the workspace. Files outside it
// (such as the original asset) are never deleted by segment cleanup.
func (w *Workspace) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, w.root+string(os.PathSeparator)) || abs == w.root
}

// Remove deletes a single file if it belongs to the workspace.
func (w *Workspace) Remove(path string) error {
	if !w.Contains(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.root)
}
