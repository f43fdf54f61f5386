// Package publisher relays checkout outbox events to Kafka.
package publisher

import (
	"context"
	"time"

	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultTopic = "checkout-outbox"

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*checkoutsvc.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int) error
	GetStuckSessions(ctx context.Context) ([]*checkoutsvc.CheckoutSession, error)
	CompleteCheckoutSession(ctx context.Context, id string, payload []byte, status domain.CheckoutStatus) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	batch        int
	repo         OutboxRepository
	writer       MessageWriter
	log          *zap.Logger
}

func NewOutboxPoller(repo OutboxRepository, topic string, log *zap.Logger, brokers ...string) *OutboxPoller {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newOutboxPoller(repo, w, log)
}

func newOutboxPoller(repo OutboxRepository, w MessageWriter, log *zap.Logger) *OutboxPoller {
	return &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		batch:        100,
		repo:         repo,
		writer:       w,
		log:          log,
	}
}

// Run polls until ctx is cancelled, then closes the writer.
func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.log.Warn("failed to close kafka writer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuckSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batch)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			p.log.Warn("failed to publish outbox event", zap.Int("event_id", event.ID), zap.Error(err))
			continue
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			// Published twice at worst; consumers are idempotent.
			p.log.Warn("failed to mark outbox event as processed", zap.Int("event_id", event.ID), zap.Error(err))
			continue
		}
	}
}

// recoverStuckSessions completes sessions that are PAYMENT_COMPLETED but
// have no outbox event.
func (p *OutboxPoller) recoverStuckSessions(ctx context.Context) {
	sessions, err := p.repo.GetStuckSessions(ctx)
	if err != nil {
		p.log.Error("failed to get stuck sessions", zap.Error(err))
		return
	}
	for _, session := range sessions {
		p.log.Info("recovering stuck session", zap.String("checkout_id", session.ID))

		payload, err := checkoutsvc.CompletionPayload(session, session.UpdatedAt)
		if err != nil {
			p.log.Error("failed to build completion payload", zap.String("checkout_id", session.ID), zap.Error(err))
			continue
		}

		err = p.repo.CompleteCheckoutSession(ctx, session.ID, payload, domain.CheckoutStatusCompleted)
		if err != nil {
			p.log.Error("failed to complete stuck session", zap.String("checkout_id", session.ID), zap.Error(err))
			continue
		}

		p.log.Info("session recovered", zap.String("checkout_id", session.ID))
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *checkoutsvc.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // checkout_id for ordering
		Value: event.Payload,             // already JSON from the database
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
