package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsQueueGroup = "gema-grading-workers"

// NATSDispatcher publishes jobs to a subject and consumes them through a queue
// group, so every job reaches exactly one worker across all API replicas.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
	pool    *workerPool
	sub     *nats.Subscription
	logger  zerolog.Logger
}

// NewNATSDispatcher creates a dispatcher backed by a NATS subject.
func NewNATSDispatcher(conn *nats.Conn, subject string, workers, queueSize int, logger zerolog.Logger) (*NATSDispatcher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	log := logger.With().Str("component", "nats_dispatcher").Str("subject", subject).Logger()
	return &NATSDispatcher{
		conn:    conn,
		subject: subject,
		pool:    newWorkerPool(workers, queueSize, log),
		logger:  log,
	}, nil
}

func (d *NATSDispatcher) Start(ctx context.Context, handler Handler) error {
	d.pool.start(ctx, handler)

	sub, err := d.conn.QueueSubscribe(d.subject, natsQueueGroup, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			d.logger.Warn().Err(err).Msg("invalid grading job payload")
			return
		}
		if err := d.pool.push(ctx, job); err != nil {
			d.logger.Warn().Err(err).Uint("task_id", job.TaskID).Msg("dropping grading job")
		}
	})
	if err != nil {
		d.pool.stop()
		return fmt.Errorf("subscribe to grading jobs: %w", err)
	}
	d.sub = sub
	return nil
}

func (d *NATSDispatcher) Enqueue(_ context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.conn.Publish(d.subject, payload)
}

func (d *NATSDispatcher) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return d.Enqueue(ctx, job)
	}
	return d.pool.pushAfter(job, delay, func(job Job) error {
		return d.Enqueue(context.Background(), job)
	})
}

func (d *NATSDispatcher) Stop() {
	if d.sub != nil {
		if err := d.sub.Drain(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to drain grading job subscription")
		}
	}
	d.pool.stop()
}
