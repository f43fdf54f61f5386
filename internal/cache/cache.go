package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_storefront/internal/domain"
)

// CartCache is the read-through cache in front of the cart repository. Ids
// are cart ids, or UserKey for a user's active cart.
//
// A reader takes the Generation of an id before loading from the repository
// and hands it to Set; a Delete in between bumps the generation and the
// stale Set is dropped.
type CartCache interface {
	Get(ctx context.Context, id string) (*domain.Cart, error)
	Generation(ctx context.Context, id string) (int64, error)
	Set(ctx context.Context, id string, gen int64, cart *domain.Cart) error
	Delete(ctx context.Context, ids ...string) error
}

var ErrCacheMiss = errors.New("cache miss")

// UserKey is the cache id under which a user's active cart is stored.
func UserKey(userID string) string {
	return "user:" + userID
}
