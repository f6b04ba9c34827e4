// Package conversion drives template registration and conversion jobs: quota
// checks on the way in, then staging, transforming and storing the result
// in the background.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/quota"
	"github.com/dharsanguruparan/SlideFill/internal/transfer"
	"github.com/dharsanguruparan/SlideFill/internal/transformer"
	"github.com/dharsanguruparan/SlideFill/internal/workspace"
)

// JobStore persists conversion jobs. UpdateJob must refuse, with
// model.ErrInvalidTransition, any patch whose status does not directly
// follow the stored one.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string) ([]*model.Job, error)
	ListJobsByStatus(ctx context.Context, status model.JobStatus, updatedBefore time.Time) ([]*model.Job, error)
}

// TemplateStore persists registered templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tpl *model.Template) error
	GetTemplate(ctx context.Context, id string) (*model.Template, error)
	ListTemplatesByOwner(ctx context.Context, ownerID string) ([]*model.Template, error)
	CountTemplatesByOwner(ctx context.Context, ownerID string) (int, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// QuotaSource holds one subscription record per caller. CreateSubscription
// keeps an existing record when one is already there.
type QuotaSource interface {
	GetSubscription(ctx context.Context, ownerID string) (*model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
}

// Dispatcher hands an accepted job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, jobID string) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// ErrQueueFull is returned by dispatchers that are at capacity.
var ErrQueueFull = errors.New("conversion queue is full")

// Workspaces hands out per-job scratch directories.
type Workspaces interface {
	Acquire(tag string) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace)
}

// Stager moves blobs in and out of a workspace.
type Stager interface {
	Fetch(ctx context.Context, key, destPath string) error
	FetchAll(ctx context.Context, dir string, keys map[string]string) (map[string]string, error)
	Store(ctx context.Context, localPath, keyPrefix, contentType string) (model.BlobRef, error)
}

// Converter runs the external transformer and slide counter.
type Converter interface {
	Convert(ctx context.Context, req transformer.ConvertRequest) (transformer.Result, error)
	SlideCount(ctx context.Context, path string) (int, error)
}

// Options wires a Controller. Every field without a documented default is
// required.
type Options struct {
	Jobs       JobStore
	Templates  TemplateStore
	Quota      QuotaSource
	Blobs      transfer.BlobStore
	Stager     Stager
	Converter  Converter
	Workspaces Workspaces
	Guard      *quota.Guard
	Dispatcher Dispatcher
	Logger     *slog.Logger

	// ResultPrefix namespaces result keys, "conversions" by default.
	ResultPrefix string
	// ResultContentType defaults to the PPTX media type.
	ResultContentType string
	// TerminalTimeout bounds the final status write, which runs even when the
	// execution context was cancelled. Defaults to 30s.
	TerminalTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

const (
	defaultResultPrefix = "conversions"
	pptxContentType     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	maxErrorMessage     = 1024
)

// Controller owns the job lifecycle.
type Controller struct {
	jobs       JobStore
	templates  TemplateStore
	quota      QuotaSource
	blobs      transfer.BlobStore
	stager     Stager
	converter  Converter
	workspaces Workspaces
	guard      *quota.Guard
	dispatcher Dispatcher
	logger     *slog.Logger

	resultPrefix      string
	resultContentType string
	terminalTimeout   time.Duration
	now               func() time.Time
	newID             func() string
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("conversion: job store is required")
	case opts.Templates == nil:
		return nil, errors.New("conversion: template store is required")
	case opts.Quota == nil:
		return nil, errors.New("conversion: quota source is required")
	case opts.Blobs == nil:
		return nil, errors.New("conversion: blob store is required")
	case opts.Stager == nil:
		return nil, errors.New("conversion: stager is required")
	case opts.Converter == nil:
		return nil, errors.New("conversion: converter is required")
	case opts.Workspaces == nil:
		return nil, errors.New("conversion: workspaces are required")
	}
	c := &Controller{
		jobs:              opts.Jobs,
		templates:         opts.Templates,
		quota:             opts.Quota,
		blobs:             opts.Blobs,
		stager:            opts.Stager,
		converter:         opts.Converter,
		workspaces:        opts.Workspaces,
		guard:             opts.Guard,
		dispatcher:        opts.Dispatcher,
		logger:            opts.Logger,
		resultPrefix:      opts.ResultPrefix,
		resultContentType: opts.ResultContentType,
		terminalTimeout:   opts.TerminalTimeout,
		now:               opts.Now,
		newID:             opts.NewID,
	}
	if c.guard == nil {
		c.guard = quota.NewGuard(quota.DefaultPolicy())
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.resultPrefix == "" {
		c.resultPrefix = defaultResultPrefix
	}
	if c.resultContentType == "" {
		c.resultContentType = pptxContentType
	}
	if c.terminalTimeout <= 0 {
		c.terminalTimeout = 30 * time.Second
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// SetDispatcher replaces the dispatcher. Binaries that build the dispatcher
// around the controller call it before serving traffic.
func (c *Controller) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Subscription returns the caller's quota record, creating a free one on
// first use.
func (c *Controller) Subscription(ctx context.Context, callerID string) (*model.Subscription, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller id is required", model.ErrInvalidArgument)
	}
	sub, err := c.quota.GetSubscription(ctx, callerID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	now := c.now()
	fresh := &model.Subscription{
		OwnerID:   callerID,
		Tier:      model.TierFree,
		Status:    model.SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.quota.CreateSubscription(ctx, fresh); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	// Re-read so a record created concurrently by another request wins.
	sub, err = c.quota.GetSubscription(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// refreshURL replaces the stored read URL of ref with a newly resolved one.
// Signed URLs expire, so the one captured when the blob was written goes
// stale. On failure the stored URL is kept.
func (c *Controller) refreshURL(ctx context.Context, ref *model.BlobRef) {
	if ref == nil || ref.Key == "" {
		return
	}
	u, err := c.blobs.ResolveForRead(ctx, ref.Key)
	if err != nil {
		c.logger.Warn("resolve blob url failed", "key", ref.Key, "error", err)
		return
	}
	ref.URL = u
}

func (c *Controller) tier(ctx context.Context, callerID string) (model.Tier, error) {
	sub, err := c.Subscription(ctx, callerID)
	if err != nil {
		return "", err
	}
	return sub.EffectiveTier(c.now()), nil
}
