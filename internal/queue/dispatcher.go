package queue

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrStopped is returned when a job is enqueued after Stop.
var ErrStopped = errors.New("grading dispatcher stopped")

// Job asks a worker to run one attempt of a grading task.
type Job struct {
	TaskID  uint `json:"task_id"`
	Attempt int  `json:"attempt"`
}

// Handler executes a job. Handlers own their error reporting; the dispatcher
// never redelivers on its own.
type Handler func(ctx context.Context, job Job)

// Dispatcher delivers grading jobs to a bounded pool of workers.
type Dispatcher interface {
	Start(ctx context.Context, handler Handler) error
	Enqueue(ctx context.Context, job Job) error
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
	Stop()
}

// Backoff returns the delay before retry number attempt (1-based): base doubled
// per prior attempt, capped at max, with ±20% jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	jitter := delay * 0.2 * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}
