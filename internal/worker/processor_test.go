package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/SlideFill/internal/queue"
)

type fakeExecutor struct {
	ids []string
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, jobID string) error {
	f.ids = append(f.ids, jobID)
	return f.err
}

func TestHandlerExecutesJob(t *testing.T) {
	exec := &fakeExecutor{}
	p := NewProcessor(exec, nil)
	task, err := queue.NewConvertTask("job-7", 0)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := p.Handler().ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(exec.ids) != 1 || exec.ids[0] != "job-7" {
		t.Fatalf("unexpected executions %v", exec.ids)
	}
}

func TestHandlerNeverAsksForRetry(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("store unavailable")}
	p := NewProcessor(exec, nil)
	task, _ := queue.NewConvertTask("job-7", 0)
	err := p.Handler().ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	bad := asynq.NewTask(queue.ConvertTask, []byte("{"))
	if err := p.Handler().ProcessTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad payload, got %v", err)
	}
	if len(exec.ids) != 1 {
		t.Fatalf("bad payload must not execute")
	}
}
