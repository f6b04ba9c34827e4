package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	m, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ws, err := m.Acquire("job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := os.WriteFile(ws.Path("template.pptx"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write into workspace: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Dir(), "nested", "deeper"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	m.Release(ws)
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed, stat err=%v", err)
	}
	// A second release is a no-op.
	m.Release(ws)
	m.Release(nil)
}

func TestAcquireIsUniqueUnderConcurrency(t *testing.T) {
	m, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	const n = 32
	dirs := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Acquire("same-tag")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			dirs <- ws.Dir()
		}()
	}
	wg.Wait()
	close(dirs)
	seen := map[string]bool{}
	for d := range dirs {
		if seen[d] {
			t.Fatalf("duplicate workspace %s", d)
		}
		seen[d] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d workspaces, got %d", n, len(seen))
	}
}

func TestPathStaysInsideWorkspace(t *testing.T) {
	ws := &Workspace{dir: "/tmp/ws"}
	if got := ws.Path("../../etc/passwd"); got != filepath.Join("/tmp/ws", "passwd") {
		t.Fatalf("path escaped workspace: %s", got)
	}
}

func TestSanitizeTag(t *testing.T) {
	if got := sanitize("a/b c*d"); got != "abcd" {
		t.Fatalf("unexpected sanitized tag %q", got)
	}
}
