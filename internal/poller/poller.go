// Package poller consumes checkout completions and retires the buyer's
// server cart, covering sessions that never returned to the storefront.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type CartRotator interface {
	RotateCart(ctx context.Context, userID, oldCartID string) (*domain.Cart, error)
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Poller struct {
	carts   CartRotator
	reader  MessageReader
	log     *zap.Logger
	backoff time.Duration
}

func NewPoller(carts CartRotator, topic, groupID string, log *zap.Logger, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return newPoller(carts, reader, log)
}

func newPoller(carts CartRotator, reader MessageReader, log *zap.Logger) *Poller {
	return &Poller{carts: carts, reader: reader, log: log, backoff: time.Second}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.getMessageAndRotateCart(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Warn("error closing reader", zap.Error(err))
	}
}

// getMessageAndRotateCart returns an error only when reading failed.
func (p *Poller) getMessageAndRotateCart(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("error reading message", zap.Error(err))
		}
		return err
	}

	if eventType(m) != checkoutsvc.EventCheckoutCompleted {
		return nil
	}

	var ev checkoutsvc.CompletedEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		p.log.Warn("error parsing message", zap.String("key", string(m.Key)), zap.Error(err))
		return nil
	}
	if ev.UserID == "" || ev.CartID == "" {
		// Guest and buy-now checkouts have no server cart to retire.
		return nil
	}

	_, err = p.carts.RotateCart(ctx, ev.UserID, ev.CartID)
	if err != nil && !errors.Is(err, cart.ErrCartNotFound) {
		p.log.Error("failed to rotate cart after checkout",
			zap.String("checkout_id", ev.CheckoutID), zap.String("user_id", ev.UserID), zap.Error(err))
		return nil
	}
	p.log.Info("cart retired after checkout",
		zap.String("checkout_id", ev.CheckoutID), zap.String("user_id", ev.UserID), zap.String("cart_id", ev.CartID))
	return nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	// Messages without the header predate event typing.
	return checkoutsvc.EventCheckoutCompleted
}
