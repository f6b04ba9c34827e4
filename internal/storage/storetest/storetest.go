// Package storetest holds behaviour checks shared by every job, template and
// subscription store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// Store is the union of the persistence interfaces the controller consumes.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string) ([]*model.Job, error)
	ListJobsByStatus(ctx context.Context, status model.JobStatus, updatedBefore time.Time) ([]*model.Job, error)

	CreateTemplate(ctx context.Context, tpl *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	ListTemplatesByOwner(ctx context.Context, ownerID string) ([]*model.Template, error)
	CountTemplatesByOwner(ctx context.Context, ownerID string) (int, error)
	DeleteTemplate(ctx context.Context, id string) error

	GetSubscription(ctx context.Context, ownerID string) (*model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("JobRoundTrip", func(t *testing.T) { jobRoundTrip(t, newStore(t)) })
	t.Run("MonotonicUpdates", func(t *testing.T) { monotonicUpdates(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { concurrentClaim(t, newStore(t)) })
	t.Run("ListByOwner", func(t *testing.T) { listByOwner(t, newStore(t)) })
	t.Run("ListByStatus", func(t *testing.T) { listByStatus(t, newStore(t)) })
	t.Run("Templates", func(t *testing.T) { templates(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { subscriptions(t, newStore(t)) })
}

func newJob(id, owner string, created time.Time) *model.Job {
	return &model.Job{
		ID:         id,
		OwnerID:    owner,
		TemplateID: "tpl-1",
		Input:      model.BlobRef{Key: "uploads/" + id + ".xlsx", URL: "http://blobs/uploads/" + id + ".xlsx"},
		PairCount:  3,
		Status:     model.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func jobRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	job := newJob("job-1", "alice", base)
	job.ImageMappings = map[string]string{"{{logo}}": "images/logo.png"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.OwnerID != "alice" || got.Status != model.StatusPending || got.PairCount != 3 {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.ImageMappings["{{logo}}"] != "images/logo.png" {
		t.Fatalf("image mappings lost: %+v", got.ImageMappings)
	}
	if got.Input.Key != job.Input.Key || got.Result != nil || got.ErrorMessage != "" {
		t.Fatalf("unexpected fields %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at not preserved: %s", got.CreatedAt)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func monotonicUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "alice", base)); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := s.UpdateJob(ctx, "job-1", model.JobPatch{Status: model.StatusCompleted, Result: &model.BlobRef{Key: "k"}}); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be refused, got %v", err)
	}
	if _, err := s.UpdateJob(ctx, "job-1", model.JobPatch{Status: model.StatusProcessing}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	msg := "transformer exited with code 1"
	updated, err := s.UpdateJob(ctx, "job-1", model.JobPatch{Status: model.StatusFailed, ErrorMessage: &msg})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if updated.Status != model.StatusFailed || updated.ErrorMessage != msg || updated.Result != nil {
		t.Fatalf("unexpected terminal job %+v", updated)
	}
	for _, next := range []model.JobStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted} {
		if _, err := s.UpdateJob(ctx, "job-1", model.JobPatch{Status: next}); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("failed -> %s must be refused, got %v", next, err)
		}
	}
	got, _ := s.GetJob(ctx, "job-1")
	if got.Status != model.StatusFailed {
		t.Fatalf("terminal status changed to %s", got.Status)
	}
	if _, err := s.UpdateJob(ctx, "missing", model.JobPatch{Status: model.StatusProcessing}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func concurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "alice", base)); err != nil {
		t.Fatalf("create job: %v", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateJob(ctx, "job-1", model.JobPatch{Status: model.StatusProcessing}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}

func listByOwner(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.CreateJob(ctx, newJob(fmt.Sprintf("a-%d", i), "alice", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := s.CreateJob(ctx, newJob("b-0", "bob", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	jobs, err := s.ListJobsByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, want := range []string{"a-2", "a-1", "a-0"} {
		if jobs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, jobs[i].ID)
		}
	}
	none, err := s.ListJobsByOwner(ctx, "carol")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no jobs for carol, got %d err=%v", len(none), err)
	}
}

func listByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	old := newJob("old", "alice", base.Add(-2*time.Hour))
	fresh := newJob("fresh", "alice", base)
	for _, j := range []*model.Job{old, fresh} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	stale, err := s.ListJobsByStatus(ctx, model.StatusPending, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the old job, got %+v", stale)
	}
	processing, err := s.ListJobsByStatus(ctx, model.StatusProcessing, base.Add(time.Hour))
	if err != nil || len(processing) != 0 {
		t.Fatalf("expected no processing jobs, got %d err=%v", len(processing), err)
	}
}

func templates(t *testing.T, s Store) {
	ctx := context.Background()
	for i, owner := range []string{"alice", "alice", "bob"} {
		tpl := &model.Template{
			ID:         fmt.Sprintf("tpl-%d", i),
			OwnerID:    owner,
			Name:       "Quarterly deck",
			File:       model.BlobRef{Key: fmt.Sprintf("templates/%d.pptx", i), URL: "http://blobs/x"},
			SlideCount: 4 + i,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateTemplate(ctx, tpl); err != nil {
			t.Fatalf("create template: %v", err)
		}
	}
	n, err := s.CountTemplatesByOwner(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 templates, got %d err=%v", n, err)
	}
	list, err := s.ListTemplatesByOwner(ctx, "alice")
	if err != nil || len(list) != 2 || list[0].ID != "tpl-1" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
	got, err := s.GetTemplate(ctx, "tpl-2")
	if err != nil || got.OwnerID != "bob" || got.SlideCount != 6 || got.File.Key != "templates/2.pptx" {
		t.Fatalf("unexpected template %+v err=%v", got, err)
	}
	if err := s.DeleteTemplate(ctx, "tpl-0"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTemplate(ctx, "tpl-0"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteTemplate(ctx, "tpl-0"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if n, _ := s.CountTemplatesByOwner(ctx, "alice"); n != 1 {
		t.Fatalf("expected 1 template after delete, got %d", n)
	}
}

func subscriptions(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetSubscription(ctx, "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sub := &model.Subscription{OwnerID: "alice", Tier: model.TierMonthly, Status: model.SubscriptionActive, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	// A second create for the same owner keeps the first record.
	if err := s.CreateSubscription(ctx, &model.Subscription{OwnerID: "alice", Tier: model.TierFree, Status: model.SubscriptionActive}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	got, err := s.GetSubscription(ctx, "alice")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.Tier != model.TierMonthly || got.Status != model.SubscriptionActive {
		t.Fatalf("unexpected subscription %+v", got)
	}
}
