// Package processing runs conversion jobs on a fixed set of goroutines fed by
// a bounded channel. It is the in-process dispatcher used when no external
// queue is configured.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dharsanguruparan/SlideFill/internal/conversion"
)

// Executor runs one job to completion.
type Executor func(ctx context.Context, jobID string) error

// Pool consumes job ids and hands them to an Executor.
type Pool struct {
	queue   chan string
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	// queued holds the ids sitting in queue, so a job dispatched twice
	// occupies one slot.
	queued map[string]struct{}
	wg     sync.WaitGroup
}

// New builds a Pool with the given worker count and queue depth.
func New(workers, depth int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   make(chan string, depth),
		workers: workers,
		logger:  logger,
		queued:  make(map[string]struct{}),
	}
}

// Start launches the workers. They exit once ctx is cancelled, abandoning
// whatever is still queued; the sweeper picks those jobs up later.
func (p *Pool) Start(ctx context.Context, exec Executor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("processing pool already started")
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, exec)
	}
	return nil
}

// Dispatch queues jobID. It never blocks: a full queue is reported as
// conversion.ErrQueueFull. A job that is already waiting in the queue is
// accepted without taking a second slot.
func (p *Pool) Dispatch(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("processing pool stopped")
	}
	if _, ok := p.queued[jobID]; ok {
		return nil
	}
	select {
	case p.queue <- jobID:
		p.queued[jobID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w (%d waiting)", conversion.ErrQueueFull, len(p.queue))
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop refuses further dispatches. Workers still stop only via their context.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, exec Executor) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.dequeued(jobID)
			p.run(ctx, exec, jobID)
		}
	}
}

// dequeued forgets jobID once a worker owns it. Dispatch holds mu across the
// send and the map insert, so the delete always lands after the insert.
func (p *Pool) dequeued(jobID string) {
	p.mu.Lock()
	delete(p.queued, jobID)
	p.mu.Unlock()
}

func (p *Pool) run(ctx context.Context, exec Executor, jobID string) {
	// Execute recovers its own panics; this guard keeps a worker alive if
	// an Executor does not.
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("executor panicked", "job_id", jobID, "panic", rec)
		}
	}()
	if err := exec(ctx, jobID); err != nil {
		p.logger.Error("conversion execution failed", "job_id", jobID, "error", err)
	}
}
