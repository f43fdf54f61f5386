package address

import (
	"context"
	"errors"

	"github.com/fjod/go_storefront/internal/domain"
)

var (
	ErrAddressNotFound = errors.New("address not found")
	ErrDefaultConflict = errors.New("another default address was set concurrently")
)

// Repository stores addresses scoped by owner. Records belonging to another
// owner are reported as ErrAddressNotFound.
type Repository interface {
	List(ctx context.Context, ownerID string) ([]domain.Address, error)
	Get(ctx context.Context, ownerID, id string) (*domain.Address, error)
	Count(ctx context.Context, ownerID string) (int, error)
	// Create stores a; the owner's first address becomes the default.
	Create(ctx context.Context, a *domain.Address) error
	Update(ctx context.Context, a *domain.Address) error
	// Delete removes the address and promotes the most recently updated
	// remaining one when the default was removed.
	Delete(ctx context.Context, ownerID, id string) error
	SetDefault(ctx context.Context, ownerID, id string) error
}
