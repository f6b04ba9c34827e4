// Package workspace hands out private scratch directories for a single job
// run and removes them afterwards.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace is a directory owned by one job run.
type Workspace struct {
	dir  string
	once sync.Once
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name onto the workspace directory. name must be a plain file
// name; anything that would escape the directory is reduced to its base.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(filepath.Clean("/"+name)))
}

// Manager creates workspaces under a root directory.
type Manager struct {
	root   string
	prefix string
	logger *slog.Logger
}

// NewManager returns a Manager rooted at root (os.TempDir when empty).
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, prefix: "slidefill-", logger: logger}, nil
}

// Acquire creates a fresh directory. tag (usually the job id) is only there
// to make directories recognisable; uniqueness comes from MkdirTemp's random
// suffix, so concurrent acquisitions with the same tag never collide.
func (m *Manager) Acquire(tag string) (*Workspace, error) {
	pattern := m.prefix + sanitize(tag) + "-*"
	dir, err := os.MkdirTemp(m.root, pattern)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Release removes the workspace and everything in it. Only the first call
// does anything. Failures are logged, never returned, so they cannot mask
// the outcome of the job that owned the workspace.
func (m *Manager) Release(w *Workspace) {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			m.logger.Warn("workspace cleanup failed", "dir", w.dir, "error", err)
		}
	})
}

func sanitize(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
		if b.Len() >= 40 {
			break
		}
	}
	return b.String()
}
