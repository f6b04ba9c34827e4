package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Abandoned    int
	Redispatched int
	// Deferred counts pending jobs the dispatcher refused this time. They
	// stay pending for the next sweep.
	Deferred int
}

// Sweeper reconciles jobs a crashed process left behind. Jobs stuck in
// processing past the threshold are failed; jobs still pending past the
// threshold never started and are dispatched again.
type Sweeper struct {
	c          *Controller
	staleAfter time.Duration
}

// NewSweeper returns a Sweeper for c.
func NewSweeper(c *Controller, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Sweeper{c: c, staleAfter: staleAfter}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.c.now().Add(-s.staleAfter)

	stuck, err := s.c.jobs.ListJobsByStatus(ctx, model.StatusProcessing, cutoff)
	if err != nil {
		return report, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range stuck {
		msg := abandonedReason
		_, err := s.c.jobs.UpdateJob(ctx, job.ID, model.JobPatch{Status: model.StatusFailed, ErrorMessage: &msg})
		if err != nil {
			if errors.Is(err, model.ErrInvalidTransition) {
				continue
			}
			return report, fmt.Errorf("fail abandoned job %s: %w", job.ID, err)
		}
		s.c.logger.Warn("conversion abandoned", "job_id", job.ID, "last_update", job.UpdatedAt)
		report.Abandoned++
	}

	waiting, err := s.c.jobs.ListJobsByStatus(ctx, model.StatusPending, cutoff)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range waiting {
		// A stale pending job may still sit in a busy queue, so a refusal
		// here leaves it pending instead of failing it.
		if err := s.redispatch(ctx, job.ID); err != nil {
			s.c.logger.Warn("conversion redispatch deferred", "job_id", job.ID, "error", err)
			report.Deferred++
			continue
		}
		s.c.logger.Info("conversion redispatched", "job_id", job.ID, "created_at", job.CreatedAt)
		report.Redispatched++
	}
	return report, nil
}

func (s *Sweeper) redispatch(ctx context.Context, jobID string) error {
	if s.c.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return s.c.dispatcher.Dispatch(ctx, jobID)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.c.logger.Error("sweep failed", "error", err)
				continue
			}
			if report.Abandoned > 0 || report.Redispatched > 0 || report.Deferred > 0 {
				s.c.logger.Info("sweep finished", "abandoned", report.Abandoned, "redispatched", report.Redispatched, "deferred", report.Deferred)
			}
		}
	}
}
