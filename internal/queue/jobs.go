// Package queue carries conversion jobs from the API process to worker
// processes through Redis, using asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SlideFill/internal/conversion"
)

const (
	// ConvertTask is scheduled each time a conversion is accepted.
	ConvertTask = "conversion:run"
	// QueueName is the asynq queue conversions are placed on.
	QueueName = "conversions"
)

// ConvertPayload is serialized into the task payload. The worker reloads the
// job from the store, so the id is all it needs.
type ConvertPayload struct {
	JobID string `json:"job_id"`
}

// NewConvertTask builds the task for jobID. Jobs run at most once, so asynq
// must not retry them; the task id deduplicates repeated enqueues while the
// first one is still around.
func NewConvertTask(jobID string, timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ConvertPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Queue(QueueName), asynq.TaskID("convert:" + jobID)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(ConvertTask, data, opts...), nil
}

// ParseConvertPayload decodes a task payload.
func ParseConvertPayload(task *asynq.Task) (ConvertPayload, error) {
	var payload ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.JobID == "" {
		return payload, errors.New("decode payload: missing job id")
	}
	return payload, nil
}

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher implements conversion.Dispatcher on top of asynq.
type Dispatcher struct {
	client  Enqueuer
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher. timeout bounds each task on the worker
// side and should leave room for the transformer timeout plus transfers.
func NewDispatcher(client Enqueuer, timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: client, timeout: timeout}
}

var _ conversion.Dispatcher = (*Dispatcher)(nil)

// Dispatch enqueues the job. A task that is already queued for the same job
// counts as dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := NewConvertTask(jobID, d.timeout)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue convert task: %w", err)
	}
	return nil
}
