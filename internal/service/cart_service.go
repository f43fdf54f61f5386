package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/cache"
	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	saveAttempts   = 3
	maxMergeTokens = 50
)

// Repricer supplies current catalog prices.
type Repricer interface {
	Line(ctx context.Context, productID, variantID string) (domain.CartLine, *domain.Product, error)
	Reprice(ctx context.Context, lines []domain.CartLine) ([]domain.CartLine, []cart.PriceChange, error)
}

var _ cart.Backend = (*CartService)(nil)

type CartService struct {
	repo   repository.CartRepository
	cache  cache.CartCache
	prices Repricer
	log    *zap.Logger
	sfg    singleflight.Group // Prevents cache stampede
	now    func() time.Time
}

func NewCartService(repo repository.CartRepository, cache cache.CartCache, prices Repricer, log *zap.Logger) *CartService {
	return &CartService{
		repo:   repo,
		cache:  cache,
		prices: prices,
		log:    log,
		now:    time.Now,
	}
}

func (s *CartService) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return s.readThrough(ctx, cartID, func() (*domain.Cart, error) {
		c, err := s.repo.GetCart(ctx, cartID)
		return c, mapRepoErr(err)
	})
}

// CurrentCart returns the user's active cart, creating an empty one on first use.
func (s *CartService) CurrentCart(ctx context.Context, userID string) (*domain.Cart, error) {
	return s.readThrough(ctx, cache.UserKey(userID), func() (*domain.Cart, error) {
		return s.currentCart(ctx, userID)
	})
}

// readThrough serves id from the cache, loading and caching it on a miss.
func (s *CartService) readThrough(ctx context.Context, id string, load func() (*domain.Cart, error)) (*domain.Cart, error) {
	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do("cart:"+id, func() (interface{}, error) {
		c, err := s.cache.Get(ctx, id)
		if err == nil {
			return c, nil // cart is in cache
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("cache get error", zap.String("id", id), zap.Error(err))
		}

		gen, genErr := s.cache.Generation(ctx, id)
		c, err = load()
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			s.log.Warn("cache generation error", zap.String("id", id), zap.Error(genErr))
			return c, nil
		}
		if errSet := s.cache.Set(ctx, id, gen, c); errSet != nil {
			s.log.Warn("cache set error", zap.String("id", id), zap.Error(errSet))
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart).Clone(), nil
}

func (s *CartService) currentCart(ctx context.Context, userID string) (*domain.Cart, error) {
	c, err := s.repo.GetActiveCart(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repository.ErrCartNotFound) {
		return nil, mapRepoErr(err)
	}

	now := s.now()
	fresh := &domain.Cart{
		ID:        uuid.NewString(),
		Kind:      domain.CartServer,
		UserID:    userID,
		Lines:     []domain.CartLine{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.CreateCart(ctx, fresh)
	if errors.Is(err, repository.ErrCartExists) {
		// Another request created it first.
		c, err = s.repo.GetActiveCart(ctx, userID)
		return c, mapRepoErr(err)
	}
	if err != nil {
		return nil, mapRepoErr(err)
	}
	s.log.Info("server cart created", zap.String("user_id", userID), zap.String("cart_id", fresh.ID))
	return fresh, nil
}

// AddItem prices the line from the catalog; the client's price is ignored.
func (s *CartService) AddItem(ctx context.Context, cartID string, line domain.CartLine) (*domain.Cart, error) {
	fresh, _, err := s.prices.Line(ctx, line.ProductID, line.VariantID)
	if err != nil {
		return nil, fmt.Errorf("price line: %w", err)
	}
	return s.mutate(ctx, cartID, func(c *domain.Cart) error {
		_, err := cart.ApplyAdd(c, fresh, line.Quantity, uuid.NewString, s.now())
		return err
	})
}

func (s *CartService) IncreaseQty(ctx context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, func(c *domain.Cart) error {
		return cart.ApplyIncrease(c, lineID, delta)
	})
}

func (s *CartService) DecreaseQty(ctx context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, func(c *domain.Cart) error {
		return cart.ApplyDecrease(c, lineID, delta)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, cartID, lineID string) (*domain.Cart, error) {
	return s.mutate(ctx, cartID, func(c *domain.Cart) error {
		return cart.ApplyRemove(c, lineID)
	})
}

// MergeGuestCart folds lines into the user's active cart once per token and
// re-prices the result from the catalog.
func (s *CartService) MergeGuestCart(ctx context.Context, userID, token string, lines []domain.CartLine) (*cart.MergeAck, error) {
	current, err := s.CurrentCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ack *cart.MergeAck
	merged, err := s.mutate(ctx, current.ID, func(c *domain.Cart) error {
		ack = &cart.MergeAck{}
		if c.HasMergeToken(token) {
			ack.Replayed = true
			return errNoChange
		}
		combined := cart.MergeLines(c.Lines, lines, uuid.NewString)
		repriced, changes, err := s.prices.Reprice(ctx, combined)
		if err != nil {
			return err
		}
		c.Lines = repriced
		c.MergeTokens = append(c.MergeTokens, token)
		if len(c.MergeTokens) > maxMergeTokens {
			c.MergeTokens = c.MergeTokens[len(c.MergeTokens)-maxMergeTokens:]
		}
		ack.PriceChanges = changes
		return nil
	})
	if err != nil {
		return nil, err
	}
	ack.Cart = merged

	s.log.Info("guest lines merged",
		zap.String("user_id", userID),
		zap.String("cart_id", merged.ID),
		zap.String("token", token),
		zap.Bool("replayed", ack.Replayed),
		zap.Int("price_changes", len(ack.PriceChanges)))
	return ack, nil
}

// RotateCart retires oldCartID and returns a fresh empty active cart. When
// oldCartID is already retired the current active cart is returned.
func (s *CartService) RotateCart(ctx context.Context, userID, oldCartID string) (*domain.Cart, error) {
	active, err := s.repo.GetActiveCart(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrCartNotFound):
		return s.CurrentCart(ctx, userID)
	case err != nil:
		return nil, mapRepoErr(err)
	case active.ID != oldCartID:
		return active, nil
	}

	err = s.repo.DeactivateCart(ctx, oldCartID)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		return nil, mapRepoErr(err)
	}
	s.invalidateCache(oldCartID, userID)

	fresh, err := s.CurrentCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info("server cart rotated",
		zap.String("user_id", userID), zap.String("old_cart_id", oldCartID), zap.String("cart_id", fresh.ID))
	return fresh, nil
}

var errNoChange = errors.New("no change")

// mutate runs a compare-and-set loop on the stored cart. fn may return
// errNoChange to leave the cart as it is.
func (s *CartService) mutate(ctx context.Context, cartID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.repo.GetCart(ctx, cartID)
		if err != nil {
			return nil, mapRepoErr(err)
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return nil, err
		}
		next.Version = current.Version + 1

		err = s.repo.SaveCart(ctx, next, current.Version)
		if err == nil {
			s.invalidateCache(cartID, next.UserID)
			return next, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt >= saveAttempts {
			s.log.Warn("repo save cart error", zap.String("cart_id", cartID), zap.Int("attempt", attempt), zap.Error(err))
			return nil, mapRepoErr(err)
		}
	}
}

// invalidateCache drops the cart and its owner's active cart entry.
func (s *CartService) invalidateCache(cartID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, cartID, cache.UserKey(userID)); err != nil {
		s.log.Warn("cache invalidate error", zap.String("cart_id", cartID), zap.Error(err))
	}
}

func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrCartNotFound):
		return fmt.Errorf("%w: %v", cart.ErrCartNotFound, err)
	case errors.Is(err, repository.ErrCartInactive):
		return fmt.Errorf("%w: %v", cart.ErrCartRotated, err)
	case errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%w: %v", cart.ErrVersionConflict, err)
	}
	return err
}
