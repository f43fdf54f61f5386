package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrLineBusy          = errors.New("line has a mutation in flight")
	ErrLineNotFound      = errors.New("cart line not found")
	ErrCartNotFound      = errors.New("cart not found")
	ErrCartRotated       = errors.New("cart was replaced after an order")
	ErrVersionConflict   = errors.New("cart version changed concurrently")
	ErrGuestCartNotFound = errors.New("guest cart not found")
	ErrNotLoaded         = errors.New("cart not loaded")
)

// Backend is the server cart service. Every mutation returns the full
// authoritative cart.
type Backend interface {
	// CurrentCart returns the user's active cart, creating it when absent.
	CurrentCart(ctx context.Context, userID string) (*domain.Cart, error)
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	AddItem(ctx context.Context, cartID string, line domain.CartLine) (*domain.Cart, error)
	IncreaseQty(ctx context.Context, cartID, lineID string, delta int) (*domain.Cart, error)
	DecreaseQty(ctx context.Context, cartID, lineID string, delta int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, cartID, lineID string) (*domain.Cart, error)
	// MergeGuestCart applies lines once per token. A replayed token returns
	// the current cart with Replayed set.
	MergeGuestCart(ctx context.Context, userID, token string, lines []domain.CartLine) (*MergeAck, error)
	// RotateCart replaces oldCartID with a fresh empty cart. Rotating a cart
	// that is no longer active returns the current one.
	RotateCart(ctx context.Context, userID, oldCartID string) (*domain.Cart, error)
}

// GuestStore persists device-local carts. Save and Delete compare the stored
// version against expected and fail with ErrVersionConflict on mismatch.
type GuestStore interface {
	Load(ctx context.Context, guestID string) (*domain.Cart, error)
	Save(ctx context.Context, c *domain.Cart, expected int64) error
	Delete(ctx context.Context, guestID string, expected int64) error
}

type PriceChange struct {
	Key       domain.LineKey  `json:"key"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Old       decimal.Decimal `json:"old"`
	New       decimal.Decimal `json:"new"`
}

type MergeAck struct {
	Cart         *domain.Cart
	PriceChanges []PriceChange
	Replayed     bool
}

// MutationError is what a failed cart mutation surfaces. The snapshot the
// store exposes is the pre-mutation one.
type MutationError struct {
	Op        string
	LineID    string
	Retryable bool
	Err       error
}

func (e *MutationError) Error() string {
	if e.LineID == "" {
		return fmt.Sprintf("cart %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cart %s line %s: %v", e.Op, e.LineID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrLineNotFound),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidLine),
		errors.Is(err, domain.ErrVariantRequired),
		errors.Is(err, domain.ErrVariantMismatch):
		return false
	}
	return true
}

// ApplyAdd adds qty of line to c, incrementing an existing line with the
// same key. newID names a freshly appended line.
func ApplyAdd(c *domain.Cart, line domain.CartLine, qty int, newID func() string, now time.Time) (string, error) {
	if qty < 1 {
		return "", domain.ErrInvalidQuantity
	}
	line.Quantity = qty
	if err := line.Validate(); err != nil {
		return "", err
	}
	if i := c.FindKey(line.Key()); i >= 0 {
		c.Lines[i].Quantity += qty
		return c.Lines[i].ID, nil
	}
	line.ID = newID()
	line.AddedAt = now
	c.Lines = append(c.Lines, line)
	return line.ID, nil
}

func ApplyIncrease(c *domain.Cart, lineID string, delta int) error {
	if delta < 1 {
		return domain.ErrInvalidQuantity
	}
	i := c.FindLine(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	c.Lines[i].Quantity += delta
	return nil
}

// ApplyDecrease removes the line when the quantity would drop below 1.
func ApplyDecrease(c *domain.Cart, lineID string, delta int) error {
	if delta < 1 {
		return domain.ErrInvalidQuantity
	}
	i := c.FindLine(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	if c.Lines[i].Quantity-delta < 1 {
		c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		return nil
	}
	c.Lines[i].Quantity -= delta
	return nil
}

func ApplyRemove(c *domain.Cart, lineID string) error {
	i := c.FindLine(lineID)
	if i < 0 {
		return ErrLineNotFound
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	return nil
}

// MergeLines folds guest lines into server lines: a guest line whose key
// matches a server line adds its quantity, any other is appended under a
// new id. Inputs are not modified.
func MergeLines(server, guest []domain.CartLine, newID func() string) []domain.CartLine {
	out := make([]domain.CartLine, len(server), len(server)+len(guest))
	copy(out, server)
	index := make(map[domain.LineKey]int, len(out))
	for i, l := range out {
		index[l.Key()] = i
	}
	for _, g := range guest {
		if i, ok := index[g.Key()]; ok {
			out[i].Quantity += g.Quantity
			continue
		}
		g.ID = newID()
		index[g.Key()] = len(out)
		out = append(out, g)
	}
	return out
}
