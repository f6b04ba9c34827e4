package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/quota"
	"github.com/dharsanguruparan/SlideFill/internal/storage"
	"github.com/dharsanguruparan/SlideFill/internal/transfer"
	"github.com/dharsanguruparan/SlideFill/internal/transformer"
	"github.com/dharsanguruparan/SlideFill/internal/workspace"
)

// memBlobs is an in-memory blob store that also stages files directly,
// standing in for transfer.Transfer.
type memBlobs struct {
	mu       sync.Mutex
	data     map[string][]byte
	storeErr error
	removed  []string
	// readPrefix, when set, replaces "mem://" in resolved read URLs so tests
	// can tell a freshly resolved URL from the one stored at write time.
	readPrefix string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
}

func (m *memBlobs) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok
}

func (m *memBlobs) ResolveForRead(_ context.Context, key string) (string, error) {
	if _, ok := m.get(key); !ok {
		return "", fmt.Errorf("blob %q: %w", key, model.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readPrefix != "" {
		return m.readPrefix + key, nil
	}
	return "mem://" + key, nil
}

func (m *memBlobs) Write(_ context.Context, key string, r io.Reader, _ int64, _ string) (model.BlobRef, error) {
	if m.storeErr != nil {
		return model.BlobRef{}, m.storeErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return model.BlobRef{}, err
	}
	m.put(key, data)
	return model.BlobRef{Key: key, URL: "mem://" + key}, nil
}

func (m *memBlobs) setReadPrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readPrefix = prefix
}

func (m *memBlobs) removedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

func (m *memBlobs) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.removed = append(m.removed, key)
	return nil
}

func (m *memBlobs) Fetch(_ context.Context, key, destPath string) error {
	data, ok := m.get(key)
	if !ok {
		return &transfer.TransferError{Op: "fetch", Key: key, Err: model.ErrNotFound}
	}
	return os.WriteFile(destPath, data, 0o600)
}

func (m *memBlobs) FetchAll(ctx context.Context, dir string, keys map[string]string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, 0, len(keys))
	for p := range keys {
		placeholders = append(placeholders, p)
	}
	sort.Strings(placeholders)
	out := make(map[string]string, len(keys))
	for i, p := range placeholders {
		dest := filepath.Join(dir, fmt.Sprintf("image_%d%s", i, path.Ext(keys[p])))
		if err := m.Fetch(ctx, keys[p], dest); err != nil {
			return nil, err
		}
		out[p] = dest
	}
	return out, nil
}

func (m *memBlobs) Store(ctx context.Context, localPath, keyPrefix, contentType string) (model.BlobRef, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return model.BlobRef{}, &transfer.TransferError{Op: "store", Key: keyPrefix, Err: err}
	}
	defer f.Close()
	key := keyPrefix + "/" + uuid.NewString() + filepath.Ext(localPath)
	ref, err := m.Write(ctx, key, f, -1, contentType)
	if err != nil {
		return model.BlobRef{}, &transfer.TransferError{Op: "store", Key: key, Err: err}
	}
	return ref, nil
}

// fakeConverter writes "converted" to the output path unless convert is set.
type fakeConverter struct {
	calls   atomic.Int32
	convert func(req transformer.ConvertRequest) (transformer.Result, error)
	slides  int

	mu   sync.Mutex
	last transformer.ConvertRequest
}

func (f *fakeConverter) Convert(_ context.Context, req transformer.ConvertRequest) (transformer.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.convert != nil {
		return f.convert(req)
	}
	return transformer.Result{}, os.WriteFile(req.OutputPath, []byte("converted"), 0o600)
}

func (f *fakeConverter) SlideCount(context.Context, string) (int, error) {
	return f.slides, nil
}

func (f *fakeConverter) lastRequest() transformer.ConvertRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// countingWorkspaces wraps a real Manager and counts releases.
type countingWorkspaces struct {
	*workspace.Manager
	acquired atomic.Int32
	released atomic.Int32

	mu   sync.Mutex
	dirs []string
}

func (w *countingWorkspaces) Acquire(tag string) (*workspace.Workspace, error) {
	ws, err := w.Manager.Acquire(tag)
	if err == nil {
		w.acquired.Add(1)
		w.mu.Lock()
		w.dirs = append(w.dirs, ws.Dir())
		w.mu.Unlock()
	}
	return ws, err
}

func (w *countingWorkspaces) Release(ws *workspace.Workspace) {
	w.released.Add(1)
	w.Manager.Release(ws)
}

// goDispatcher runs every dispatched job on its own goroutine.
type goDispatcher struct {
	c      *Controller
	refuse error
	wg     sync.WaitGroup
	count  atomic.Int32
}

func (d *goDispatcher) Dispatch(_ context.Context, jobID string) error {
	if d.refuse != nil {
		return d.refuse
	}
	d.count.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.c.Execute(context.Background(), jobID)
	}()
	return nil
}

type harness struct {
	c          *Controller
	store      *storage.MemoryStore
	blobs      *memBlobs
	converter  *fakeConverter
	workspaces *countingWorkspaces
	dispatcher *goDispatcher
	now        time.Time
}

func newHarness(t *testing.T, conv Converter) *harness {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	h := &harness{
		store:      storage.NewMemoryStore(),
		blobs:      newMemBlobs(),
		converter:  &fakeConverter{slides: 7},
		workspaces: &countingWorkspaces{Manager: mgr},
		now:        time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if conv == nil {
		conv = h.converter
	}
	var tick atomic.Int64
	c, err := New(Options{
		Jobs:       h.store,
		Templates:  h.store,
		Quota:      h.store,
		Blobs:      h.blobs,
		Stager:     h.blobs,
		Converter:  conv,
		Workspaces: h.workspaces,
		Guard:      quota.NewGuard(quota.DefaultPolicy()),
		// Each call moves the clock by a second so creation order is stable.
		Now: func() time.Time { return h.now.Add(time.Duration(tick.Add(1)) * time.Second) },
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.c = c
	h.dispatcher = &goDispatcher{c: c}
	c.SetDispatcher(h.dispatcher)
	return h
}

// template registers a template for owner, bypassing quota, and uploads its
// bytes.
func (h *harness) template(t *testing.T, owner string) *model.Template {
	t.Helper()
	tpl := &model.Template{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Name:       "deck",
		File:       model.BlobRef{Key: "templates/" + owner + ".pptx", URL: "mem://templates/" + owner + ".pptx"},
		SlideCount: 3,
	}
	h.blobs.put(tpl.File.Key, []byte("template-bytes"))
	if err := h.store.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func (h *harness) input(key string) model.BlobRef {
	h.blobs.put(key, []byte("spreadsheet-bytes"))
	return model.BlobRef{Key: key, URL: "mem://" + key}
}

func (h *harness) setTier(owner string, tier model.Tier) {
	h.store.PutSubscription(&model.Subscription{OwnerID: owner, Tier: tier, Status: model.SubscriptionActive})
}

// settle waits for every dispatched execution and returns the job.
func (h *harness) settle(t *testing.T, owner, jobID string) *model.Job {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.dispatcher.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatalf("job %s did not finish", jobID)
	}
	job, err := h.c.GetConversion(context.Background(), owner, jobID)
	if err != nil {
		t.Fatalf("get conversion: %v", err)
	}
	return job
}

func assertTerminalInvariant(t *testing.T, job *model.Job) {
	t.Helper()
	if !job.IsDone() {
		t.Fatalf("job %s not terminal: %s", job.ID, job.Status)
	}
	hasResult := job.Result != nil && job.Result.Key != ""
	hasError := job.ErrorMessage != ""
	if hasResult == hasError {
		t.Fatalf("job %s must carry exactly one of result/error: %+v", job.ID, job)
	}
	if (job.Status == model.StatusCompleted) != hasResult {
		t.Fatalf("status %s does not match outcome %+v", job.Status, job)
	}
}

var errBoom = errors.New("boom")
