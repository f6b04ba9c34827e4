// Package worker executes conversion tasks pulled from the asynq queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SlideFill/internal/queue"
)

// Executor runs one conversion job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	exec   Executor
	logger *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(exec Executor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{exec: exec, logger: logger}
}

// Handler registers the conversion task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ConvertTask, p.handleConvert)
	return mux
}

func (p *Processor) handleConvert(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseConvertPayload(task)
	if err != nil {
		// Malformed payloads can never succeed.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.exec.Execute(ctx, payload.JobID); err != nil {
		p.logger.Error("conversion task failed", "job_id", payload.JobID, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
