// Package storage contains the in-memory persistence layer used by tests and
// by single-process deployments without a database.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// MemoryStore keeps jobs, templates and subscriptions in maps guarded by a
// RWMutex. It satisfies the conversion package's JobStore, TemplateStore and
// QuotaSource interfaces.
type MemoryStore struct {
	mu            sync.RWMutex
	jobs          map[string]*model.Job
	templates     map[string]*model.Template
	subscriptions map[string]*model.Subscription

	// Now stamps UpdatedAt on job updates. Tests replace it.
	Now func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]*model.Job),
		templates:     make(map[string]*model.Template),
		subscriptions: make(map[string]*model.Subscription),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob inserts a new job. Zero timestamps are filled in.
func (m *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := job.Clone()
	now := m.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.jobs[job.ID] = stored
	return nil
}

// GetJob returns a copy of the job.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job.Clone(), nil
}

// UpdateJob applies patch only when the stored status is the patch status's
// predecessor, so concurrent writers can never move a job backwards.
func (m *MemoryStore) UpdateJob(_ context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !job.Status.CanTransition(patch.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, job.Status, patch.Status)
	}
	patch.Apply(job, m.Now())
	return job.Clone(), nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (m *MemoryStore) ListJobsByOwner(_ context.Context, ownerID string) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListJobsByStatus returns jobs in status whose last update is before cutoff,
// oldest first.
func (m *MemoryStore) ListJobsByStatus(_ context.Context, status model.JobStatus, updatedBefore time.Time) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.Status == status && job.UpdatedAt.Before(updatedBefore) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// CreateTemplate inserts a template.
func (m *MemoryStore) CreateTemplate(_ context.Context, tpl *model.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[tpl.ID]; exists {
		return fmt.Errorf("template %s already exists", tpl.ID)
	}
	stored := *tpl
	now := m.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.templates[tpl.ID] = &stored
	return nil
}

// GetTemplate returns a copy of the template.
func (m *MemoryStore) GetTemplate(_ context.Context, id string) (*model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *tpl
	return &out, nil
}

// ListTemplatesByOwner returns the owner's templates, newest first.
func (m *MemoryStore) ListTemplatesByOwner(_ context.Context, ownerID string) ([]*model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Template
	for _, tpl := range m.templates {
		if tpl.OwnerID == ownerID {
			cp := *tpl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountTemplatesByOwner returns how many templates the owner has registered.
func (m *MemoryStore) CountTemplatesByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tpl := range m.templates {
		if tpl.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

// DeleteTemplate removes a template.
func (m *MemoryStore) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

// GetSubscription returns the owner's quota record.
func (m *MemoryStore) GetSubscription(_ context.Context, ownerID string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[ownerID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *sub
	return &out, nil
}

// CreateSubscription stores sub unless the owner already has a record, in
// which case the existing record wins.
func (m *MemoryStore) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions[sub.OwnerID]; exists {
		return nil
	}
	stored := *sub
	now := m.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.subscriptions[sub.OwnerID] = &stored
	return nil
}

// PutSubscription creates or replaces the owner's quota record.
func (m *MemoryStore) PutSubscription(sub *model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *sub
	stored.UpdatedAt = m.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	m.subscriptions[sub.OwnerID] = &stored
}

func sortNewestFirst(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
