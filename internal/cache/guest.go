package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/redis/go-redis/v9"
)

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// GuestCarts keeps device-local carts in Redis. Writes are guarded with
// WATCH so a save only lands on the version the caller read.
type GuestCarts struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuestCarts(client *redis.Client, ttl time.Duration) *GuestCarts {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &GuestCarts{client: client, ttl: ttl}
}

func (g *GuestCarts) Load(ctx context.Context, guestID string) (*domain.Cart, error) {
	c, err := g.read(ctx, g.client, guestKey(guestID))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, cart.ErrGuestCartNotFound
	}
	return c, nil
}

// Save stores c if the persisted version equals expected. A cart that was
// never persisted counts as version 0.
func (g *GuestCarts) Save(ctx context.Context, c *domain.Cart, expected int64) error {
	key := guestKey(c.ID)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal guest cart failed: %w", err)
	}

	err = g.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := g.read(ctx, tx, key)
		if err != nil {
			return err
		}
		var have int64
		if current != nil {
			have = current.Version
		}
		if have != expected {
			return cart.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, g.ttl)
			return nil
		})
		return err
	}, key)
	return mapTxErr(err)
}

// Delete removes the guest cart if it is still at the expected version.
func (g *GuestCarts) Delete(ctx context.Context, guestID string, expected int64) error {
	key := guestKey(guestID)
	err := g.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := g.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			return cart.ErrGuestCartNotFound
		}
		if current.Version != expected {
			return cart.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	return mapTxErr(err)
}

func (g *GuestCarts) read(ctx context.Context, c getter, key string) (*domain.Cart, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var out domain.Cart
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal guest cart failed: %w", err)
	}
	return &out, nil
}

func mapTxErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return cart.ErrVersionConflict
	}
	return err
}

func guestKey(guestID string) string {
	return fmt.Sprintf("guest_cart:%s", guestID)
}
