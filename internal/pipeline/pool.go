package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/bookbot/internal/metrics"
)

// DefaultWorkers bounds background completions when no size is configured.
const DefaultWorkers = 8

// Pool runs background completions with bounded concurrency. Jobs run
// on a context detached from the caller so a finished webhook request
// does not cancel the reply.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool of n workers.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: semaphore.NewWeighted(int64(n)), ctx: ctx, cancel: cancel}
}

// Go schedules fn. It returns ErrDraining after Close has been called.
func (p *Pool) Go(fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrDraining
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Drain timed out while queued. Run on the cancelled context so
			// the job settles through its fallback path instead of vanishing.
			slog.Warn("worker pool: running queued job after drain timeout")
			fn(p.ctx)
			return
		}
		defer p.sem.Release(1)
		metrics.WorkersBusy.Inc()
		defer metrics.WorkersBusy.Dec()
		fn(p.ctx)
	}()
	return nil
}

// Close stops accepting work and waits for running jobs. If ctx expires
// first, in-flight jobs are cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
