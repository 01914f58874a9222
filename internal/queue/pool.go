package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/internal/observability"
)

// workerPool runs a fixed number of goroutines draining a buffered channel.
type workerPool struct {
	workers int
	jobs    chan Job
	logger  zerolog.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newWorkerPool(workers, size int, logger zerolog.Logger) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = workers
	}
	return &workerPool{
		workers: workers,
		jobs:    make(chan Job, size),
		logger:  logger,
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (p *workerPool) start(parent context.Context, handler Handler) {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					observability.GradingQueueDepth().Dec()
					p.run(ctx, worker, handler, job)
				}
			}
		}(i)
	}
}

func (p *workerPool) run(ctx context.Context, worker int, handler Handler, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Int("worker", worker).
				Uint("task_id", job.TaskID).
				Msg("grading worker recovered from panic")
		}
	}()
	handler(ctx, job)
}

func (p *workerPool) push(ctx context.Context, job Job) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		observability.GradingQueueDepth().Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushAfter schedules job after delay. Pending timers are cancelled by stop.
func (p *workerPool) pushAfter(job Job, delay time.Duration, push func(Job) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		if err := push(job); err != nil {
			p.logger.Warn().Err(err).Uint("task_id", job.TaskID).Int("attempt", job.Attempt).Msg("failed to enqueue delayed grading job")
		}
	})
	p.timers[timer] = struct{}{}
	return nil
}

func (p *workerPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = nil
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}
