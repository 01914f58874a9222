package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// MemoryDispatcher keeps jobs in process. Jobs still queued at shutdown are
// lost; the orchestrator recovers their tasks from storage on the next start.
type MemoryDispatcher struct {
	pool *workerPool
}

// NewMemoryDispatcher creates an in-process dispatcher with the given pool size.
func NewMemoryDispatcher(workers, queueSize int, logger zerolog.Logger) *MemoryDispatcher {
	return &MemoryDispatcher{
		pool: newWorkerPool(workers, queueSize, logger.With().Str("component", "memory_dispatcher").Logger()),
	}
}

func (d *MemoryDispatcher) Start(ctx context.Context, handler Handler) error {
	d.pool.start(ctx, handler)
	return nil
}

func (d *MemoryDispatcher) Enqueue(ctx context.Context, job Job) error {
	return d.pool.push(ctx, job)
}

func (d *MemoryDispatcher) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return d.Enqueue(ctx, job)
	}
	return d.pool.pushAfter(job, delay, func(job Job) error {
		return d.pool.push(context.Background(), job)
	})
}

func (d *MemoryDispatcher) Stop() {
	d.pool.stop()
}
