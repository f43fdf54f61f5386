package repository

import (
	"context"
	"errors"

	"github.com/fjod/go_storefront/internal/domain"
)

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrCartExists      = errors.New("user already has an active cart")
	ErrCartInactive    = errors.New("cart is no longer active")
	ErrVersionConflict = errors.New("cart was modified concurrently")
)

// CartRepository stores server carts. A user has at most one active cart;
// rotated carts stay readable until they expire.
type CartRepository interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	GetActiveCart(ctx context.Context, userID string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart) error
	// SaveCart replaces an active cart whose stored version equals expected.
	SaveCart(ctx context.Context, cart *domain.Cart, expected int64) error
	DeactivateCart(ctx context.Context, cartID string) error
}
