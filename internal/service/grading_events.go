package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/observability"
)

const gradingEventBufferSize = 32

// GradingEvents fans task transitions out to local subscribers and, when
// configured, to other nodes through Redis pub/sub and NATS.
type GradingEvents interface {
	Publish(ctx context.Context, event dto.TaskEvent)
	Subscribe(submissionID uint) (<-chan dto.TaskEvent, func())
	Start(ctx context.Context)
}

type gradingEvents struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *taskEventBroker
	nodeID       string
}

type taskEventEnvelope struct {
	Source string        `json:"source"`
	Event  dto.TaskEvent `json:"event"`
}

type taskEventBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.TaskEvent]struct{}
}

// NewGradingEvents constructs the event fan-out. channel is the Redis channel;
// the NATS subject is derived from it by replacing ':' with '.'. NATS carries
// events only when no Redis client is given, so each node sees an event once.
func NewGradingEvents(redisClient *redis.Client, channel string, natsConn *nats.Conn, logger zerolog.Logger) GradingEvents {
	subject := ""
	if channel != "" {
		subject = strings.ReplaceAll(channel, ":", ".")
	}
	if redisClient != nil {
		natsConn = nil
	}
	return &gradingEvents{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "grading_events").Logger(),
		broker: &taskEventBroker{
			subscribers: make(map[uint]map[chan dto.TaskEvent]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (e *gradingEvents) Start(ctx context.Context) {
	if e.redis != nil && e.redisChannel != "" {
		go e.consumeRedis(ctx)
	}
	if e.nats != nil && e.natsSubject != "" {
		e.consumeNATS(ctx)
	}
}

// Publish never fails the caller; remote fan-out errors are logged.
func (e *gradingEvents) Publish(ctx context.Context, event dto.TaskEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	e.broker.broadcast(event)
	observability.GradingEventsPublished().WithLabelValues(event.Status).Inc()

	if err := e.publishRemote(ctx, event); err != nil {
		e.logger.Warn().Err(err).Uint("task_id", event.TaskID).Msg("failed to publish grading event")
	}
}

func (e *gradingEvents) Subscribe(submissionID uint) (<-chan dto.TaskEvent, func()) {
	channel := make(chan dto.TaskEvent, gradingEventBufferSize)
	e.broker.subscribe(submissionID, channel)
	observability.GradingStreamClients().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			e.broker.unsubscribe(submissionID, channel)
			observability.GradingStreamClients().Dec()
		})
	}
	return channel, cleanup
}

func (e *gradingEvents) publishRemote(ctx context.Context, event dto.TaskEvent) error {
	if (e.redis == nil || e.redisChannel == "") && (e.nats == nil || e.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(taskEventEnvelope{Source: e.nodeID, Event: event})
	if err != nil {
		return err
	}

	if e.redis != nil && e.redisChannel != "" {
		if err := e.redis.Publish(ctx, e.redisChannel, payload).Err(); err != nil {
			return err
		}
	}
	if e.nats != nil && e.natsSubject != "" {
		if err := e.nats.Publish(e.natsSubject, payload); err != nil {
			return err
		}
	}
	return nil
}

func (e *gradingEvents) consumeRedis(ctx context.Context) {
	pubsub := e.redis.Subscribe(ctx, e.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			e.logger.Error().Err(err).Msg("grading event redis subscription closed")
			return
		}
		e.handleRemote([]byte(msg.Payload))
	}
}

// consumeNATS uses a plain subscription: every node must see every event.
func (e *gradingEvents) consumeNATS(ctx context.Context) {
	sub, err := e.nats.Subscribe(e.natsSubject, func(msg *nats.Msg) {
		e.handleRemote(msg.Data)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to subscribe to grading event subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to drain grading event subscription")
		}
	}()
}

func (e *gradingEvents) handleRemote(payload []byte) {
	var envelope taskEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		e.logger.Warn().Err(err).Msg("invalid grading event payload")
		return
	}
	if envelope.Source == e.nodeID {
		return
	}
	e.broker.broadcast(envelope.Event)
}

func (b *taskEventBroker) subscribe(submissionID uint, ch chan dto.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[submissionID]; !exists {
		b.subscribers[submissionID] = make(map[chan dto.TaskEvent]struct{})
	}
	b.subscribers[submissionID][ch] = struct{}{}
}

func (b *taskEventBroker) unsubscribe(submissionID uint, ch chan dto.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[submissionID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, submissionID)
		}
	}
}

func (b *taskEventBroker) broadcast(event dto.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.SubmissionID] {
		select {
		case ch <- event:
		default:
		}
	}
}
