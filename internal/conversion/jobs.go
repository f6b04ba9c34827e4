package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/transfer"
	"github.com/dharsanguruparan/SlideFill/internal/transformer"
)

// SubmitRequest describes one conversion.
type SubmitRequest struct {
	TemplateID string
	Input      model.BlobRef
	// PairCount is the caller-declared number of substitution pairs.
	PairCount int
	// ImageMappings maps placeholder tokens to image blob keys.
	ImageMappings map[string]string
}

const (
	internalFailure = "internal error during conversion"
	abandonedReason = "conversion abandoned"
)

// SubmitConversion checks quota and ownership, records a pending job and
// dispatches it. The returned job is pending unless dispatch was refused, in
// which case it has already failed.
func (c *Controller) SubmitConversion(ctx context.Context, callerID string, req SubmitRequest) (*model.Job, error) {
	if req.TemplateID == "" || req.Input.Key == "" {
		return nil, fmt.Errorf("%w: template id and input key are required", model.ErrInvalidArgument)
	}
	if req.PairCount < 0 {
		return nil, fmt.Errorf("%w: pair count must not be negative", model.ErrInvalidArgument)
	}
	for placeholder, key := range req.ImageMappings {
		if strings.TrimSpace(placeholder) == "" || key == "" {
			return nil, fmt.Errorf("%w: image mappings need a placeholder and a key", model.ErrInvalidArgument)
		}
	}

	tier, err := c.tier(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := c.guard.CheckConversionSubmission(tier, req.PairCount); err != nil {
		return nil, err
	}
	if _, err := c.ownedTemplate(ctx, callerID, req.TemplateID); err != nil {
		return nil, err
	}

	now := c.now()
	job := &model.Job{
		ID:         c.newID(),
		OwnerID:    callerID,
		TemplateID: req.TemplateID,
		Input:      req.Input,
		PairCount:  req.PairCount,
		Status:     model.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(req.ImageMappings) > 0 {
		job.ImageMappings = make(map[string]string, len(req.ImageMappings))
		for k, v := range req.ImageMappings {
			job.ImageMappings[k] = v
		}
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c.logger.Info("conversion accepted", "job_id", job.ID, "owner_id", callerID, "template_id", req.TemplateID, "pairs", req.PairCount)

	if failed := c.dispatch(ctx, job.ID); failed != nil {
		return failed, nil
	}
	return job, nil
}

// dispatch hands the job off. When the dispatcher refuses, the job is moved
// through processing to failed so it never lingers as pending; the failed
// job is returned in that case.
func (c *Controller) dispatch(ctx context.Context, jobID string) *model.Job {
	if c.dispatcher == nil {
		return c.reject(ctx, jobID, errors.New("no dispatcher configured"))
	}
	if err := c.dispatcher.Dispatch(ctx, jobID); err != nil {
		return c.reject(ctx, jobID, err)
	}
	return nil
}

func (c *Controller) reject(ctx context.Context, jobID string, cause error) *model.Job {
	logger := c.logger.With("job_id", jobID)
	logger.Warn("conversion dispatch refused", "error", cause)
	reason := "could not schedule conversion"
	if errors.Is(cause, ErrQueueFull) {
		reason = ErrQueueFull.Error()
	}
	if _, err := c.jobs.UpdateJob(ctx, jobID, model.JobPatch{Status: model.StatusProcessing}); err != nil {
		logger.Error("claim rejected job failed", "error", err)
		return nil
	}
	return c.finish(ctx, logger, jobID, model.JobPatch{Status: model.StatusFailed, ErrorMessage: &reason})
}

// GetConversion returns the caller's job.
func (c *Controller) GetConversion(ctx context.Context, callerID, jobID string) (*model.Job, error) {
	if callerID == "" || jobID == "" {
		return nil, fmt.Errorf("%w: caller and job id are required", model.ErrInvalidArgument)
	}
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != callerID {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrForbidden)
	}
	c.refreshURL(ctx, job.Result)
	return job, nil
}

// ListConversions returns the caller's jobs, newest first.
func (c *Controller) ListConversions(ctx context.Context, callerID string) ([]*model.Job, error) {
	if callerID == "" {
		return nil, fmt.Errorf("%w: caller id is required", model.ErrInvalidArgument)
	}
	jobs, err := c.jobs.ListJobsByOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	for _, job := range jobs {
		c.refreshURL(ctx, job.Result)
	}
	return jobs, nil
}

// Execute runs a job to a terminal state. Only the caller that wins the
// pending to processing claim does any work; every other call returns nil
// straight away. Failures inside the run are recorded on the job, so the
// returned error only reports a store that could not be reached for the
// claim.
func (c *Controller) Execute(ctx context.Context, jobID string) error {
	job, err := c.jobs.UpdateJob(ctx, jobID, model.JobPatch{Status: model.StatusProcessing})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrNotFound) {
			c.logger.Debug("conversion not claimable", "job_id", jobID, "error", err)
			return nil
		}
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	logger := c.logger.With("job_id", jobID)
	logger.Info("conversion started")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("conversion panicked", "panic", rec, "stack", string(debug.Stack()))
			msg := internalFailure
			c.finish(ctx, logger, jobID, model.JobPatch{Status: model.StatusFailed, ErrorMessage: &msg})
		}
	}()

	result, runErr := c.run(ctx, logger, job)
	if runErr != nil {
		logger.Warn("conversion failed", "error", runErr)
		msg := failureMessage(runErr)
		c.finish(ctx, logger, jobID, model.JobPatch{Status: model.StatusFailed, ErrorMessage: &msg})
		return nil
	}
	if done := c.finish(ctx, logger, jobID, model.JobPatch{Status: model.StatusCompleted, Result: &result}); done == nil {
		// The job was failed elsewhere (e.g. swept as abandoned) while we were
		// running, so nobody will ever reference the result.
		c.removeBlob(ctx, logger, result.Key)
		return nil
	}
	logger.Info("conversion completed", "result_key", result.Key)
	return nil
}

// run does the work between the two status transitions. The workspace is
// released before run returns on every path, panics included.
func (c *Controller) run(ctx context.Context, logger *slog.Logger, job *model.Job) (model.BlobRef, error) {
	tpl, err := c.templates.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return model.BlobRef{}, fmt.Errorf("load template: %w", err)
	}

	ws, err := c.workspaces.Acquire(job.ID)
	if err != nil {
		return model.BlobRef{}, err
	}
	defer c.workspaces.Release(ws)

	templatePath := ws.Path("template" + extOr(tpl.File.Key, ".pptx"))
	if err := c.stager.Fetch(ctx, tpl.File.Key, templatePath); err != nil {
		return model.BlobRef{}, err
	}
	inputPath := ws.Path("input" + extOr(job.Input.Key, ".xlsx"))
	if err := c.stager.Fetch(ctx, job.Input.Key, inputPath); err != nil {
		return model.BlobRef{}, err
	}
	images, err := c.stager.FetchAll(ctx, ws.Dir(), job.ImageMappings)
	if err != nil {
		return model.BlobRef{}, err
	}
	logger.Debug("conversion inputs staged", "dir", ws.Dir(), "images", len(images))

	outputPath := ws.Path("output.pptx")
	if _, err := c.converter.Convert(ctx, transformer.ConvertRequest{
		TemplatePath: templatePath,
		InputPath:    inputPath,
		OutputPath:   outputPath,
		Images:       images,
		Dir:          ws.Dir(),
	}); err != nil {
		return model.BlobRef{}, err
	}
	return c.stager.Store(ctx, outputPath, path.Join(c.resultPrefix, job.ID), c.resultContentType)
}

// finish writes a terminal patch with a context that survives cancellation
// of ctx. It returns nil when the write did not happen.
func (c *Controller) finish(ctx context.Context, logger *slog.Logger, jobID string, patch model.JobPatch) *model.Job {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.terminalTimeout)
	defer cancel()
	job, err := c.jobs.UpdateJob(wctx, jobID, patch)
	if err != nil {
		logger.Error("record conversion outcome failed", "status", patch.Status, "error", err)
		return nil
	}
	return job
}

func (c *Controller) removeBlob(ctx context.Context, logger *slog.Logger, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.terminalTimeout)
	defer cancel()
	if err := c.blobs.Remove(rctx, key); err != nil {
		logger.Warn("remove orphaned result failed", "key", key, "error", err)
	}
}

// failureMessage turns an execution error into the text stored on the job.
// Errors from the known taxonomy are reported as they are; anything else is
// replaced by a generic message.
func failureMessage(err error) string {
	var (
		transferErr  *transfer.TransferError
		transformErr *transformer.TransformError
	)
	switch {
	case errors.As(err, &transformErr), errors.As(err, &transferErr), errors.Is(err, model.ErrNotFound):
		return truncate(err.Error(), maxErrorMessage)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return truncate("conversion interrupted: "+err.Error(), maxErrorMessage)
	}
	return internalFailure
}

func extOr(key, def string) string {
	if ext := strings.ToLower(path.Ext(key)); ext != "" && len(ext) <= 8 {
		return ext
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
