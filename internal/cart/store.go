package cart

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store owns one cart for one session. Readers get snapshots; every write
// goes through the mutation methods, which allow at most one in-flight
// mutation per line.
type Store struct {
	mu sync.Mutex
	// persist orders guest writes, which share one versioned record.
	persist sync.Mutex
	kind    domain.CartKind
	userID  string
	guestID string
	backend Backend
	guests  GuestStore
	cart    *domain.Cart
	busy    map[domain.LineKey]struct{}
	log     *zap.Logger
	now     func() time.Time
}

// NewGuest returns a store for a device-local cart identified by guestID.
func NewGuest(guests GuestStore, guestID string, log *zap.Logger) *Store {
	return &Store{
		kind:    domain.CartGuest,
		guestID: guestID,
		guests:  guests,
		busy:    make(map[domain.LineKey]struct{}),
		log:     log.With(zap.String("guest_id", guestID)),
		now:     time.Now,
	}
}

// NewServer returns a store backed by the user's server cart.
func NewServer(backend Backend, userID string, log *zap.Logger) *Store {
	return &Store{
		kind:    domain.CartServer,
		userID:  userID,
		backend: backend,
		busy:    make(map[domain.LineKey]struct{}),
		log:     log.With(zap.String("user_id", userID)),
		now:     time.Now,
	}
}

func (s *Store) Kind() domain.CartKind { return s.kind }
func (s *Store) UserID() string        { return s.userID }
func (s *Store) GuestID() string       { return s.guestID }

// Snapshot returns a copy of the current cart, or nil before the first load.
func (s *Store) Snapshot() *domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Clone()
}

// Refresh replaces the local cart with the persisted one.
func (s *Store) Refresh(ctx context.Context) (*domain.Cart, error) {
	fresh, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = fresh
	return s.cart.Clone(), nil
}

func (s *Store) fetch(ctx context.Context) (*domain.Cart, error) {
	if s.kind == domain.CartServer {
		return s.backend.CurrentCart(ctx, s.userID)
	}
	c, err := s.guests.Load(ctx, s.guestID)
	if errors.Is(err, ErrGuestCartNotFound) {
		return s.emptyGuest(), nil
	}
	return c, err
}

func (s *Store) emptyGuest() *domain.Cart {
	now := s.now()
	return &domain.Cart{ID: s.guestID, Kind: domain.CartGuest, Lines: []domain.CartLine{}, CreatedAt: now, UpdatedAt: now}
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.cart != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}
	_, err := s.Refresh(ctx)
	return err
}

// Add puts qty of line into the cart, incrementing an existing line with the
// same key.
func (s *Store) Add(ctx context.Context, line domain.CartLine, qty int) (*domain.Cart, error) {
	if qty < 1 {
		return nil, &MutationError{Op: "add", Err: domain.ErrInvalidQuantity}
	}
	line.Quantity = qty
	if err := line.Validate(); err != nil {
		return nil, &MutationError{Op: "add", Err: err}
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, &MutationError{Op: "add", Retryable: true, Err: err}
	}
	key := line.Key()

	if s.kind == domain.CartGuest {
		return s.mutateGuest(ctx, "add", key, "", func(c *domain.Cart) error {
			_, err := ApplyAdd(c, line, qty, uuid.NewString, s.now())
			return err
		})
	}
	return s.mutateServer(ctx, "add", key, "", func(ctx context.Context, cartID string) (*domain.Cart, error) {
		return s.backend.AddItem(ctx, cartID, line)
	})
}

func (s *Store) Increase(ctx context.Context, lineID string, delta int) (*domain.Cart, error) {
	if delta < 1 {
		return nil, &MutationError{Op: "increase", LineID: lineID, Err: domain.ErrInvalidQuantity}
	}
	return s.mutateLine(ctx, "increase", lineID,
		func(c *domain.Cart) error { return ApplyIncrease(c, lineID, delta) },
		func(ctx context.Context, cartID string) (*domain.Cart, error) {
			return s.backend.IncreaseQty(ctx, cartID, lineID, delta)
		})
}

// Decrease lowers the quantity and removes the line once it would drop below 1.
func (s *Store) Decrease(ctx context.Context, lineID string, delta int) (*domain.Cart, error) {
	if delta < 1 {
		return nil, &MutationError{Op: "decrease", LineID: lineID, Err: domain.ErrInvalidQuantity}
	}
	return s.mutateLine(ctx, "decrease", lineID,
		func(c *domain.Cart) error { return ApplyDecrease(c, lineID, delta) },
		func(ctx context.Context, cartID string) (*domain.Cart, error) {
			return s.backend.DecreaseQty(ctx, cartID, lineID, delta)
		})
}

func (s *Store) Remove(ctx context.Context, lineID string) (*domain.Cart, error) {
	return s.mutateLine(ctx, "remove", lineID,
		func(c *domain.Cart) error { return ApplyRemove(c, lineID) },
		func(ctx context.Context, cartID string) (*domain.Cart, error) {
			return s.backend.RemoveItem(ctx, cartID, lineID)
		})
}

func (s *Store) mutateLine(ctx context.Context, op, lineID string,
	local func(*domain.Cart) error,
	remote func(context.Context, string) (*domain.Cart, error),
) (*domain.Cart, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: true, Err: err}
	}

	s.mu.Lock()
	i := s.cart.FindLine(lineID)
	if i < 0 {
		s.mu.Unlock()
		return nil, &MutationError{Op: op, LineID: lineID, Err: ErrLineNotFound}
	}
	key := s.cart.Lines[i].Key()
	s.mu.Unlock()

	if s.kind == domain.CartGuest {
		return s.mutateGuest(ctx, op, key, lineID, local)
	}
	return s.mutateServer(ctx, op, key, lineID, remote)
}

// mutateGuest marks the line busy, applies fn to a copy of the latest
// snapshot, persists it without holding the lock and only then publishes it.
func (s *Store) mutateGuest(ctx context.Context, op string, key domain.LineKey, lineID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	s.mu.Lock()
	if _, ok := s.busy[key]; ok {
		s.mu.Unlock()
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: true, Err: ErrLineBusy}
	}
	s.busy[key] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
	}()

	s.persist.Lock()
	defer s.persist.Unlock()

	s.mu.Lock()
	prev := s.cart
	next := prev.Clone()
	s.mu.Unlock()

	if err := fn(next); err != nil {
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: Retryable(err), Err: err}
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = s.now()

	if err := s.guests.Save(ctx, next, prev.Version); err != nil {
		s.log.Warn("guest cart persist failed, keeping previous snapshot",
			zap.String("op", op), zap.String("line_id", lineID), zap.Error(err))
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: true, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = next
	return s.cart.Clone(), nil
}

// mutateServer marks the line busy, calls the backend without holding the
// lock and replaces the snapshot only with the cart the backend returned.
func (s *Store) mutateServer(ctx context.Context, op string, key domain.LineKey, lineID string,
	call func(context.Context, string) (*domain.Cart, error),
) (*domain.Cart, error) {
	s.mu.Lock()
	if _, ok := s.busy[key]; ok {
		s.mu.Unlock()
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: true, Err: ErrLineBusy}
	}
	s.busy[key] = struct{}{}
	cartID := s.cart.ID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.busy, key)
		s.mu.Unlock()
	}()

	updated, err := call(ctx, cartID)
	if err != nil {
		s.log.Warn("cart mutation failed",
			zap.String("op", op), zap.String("cart_id", cartID), zap.String("line_id", lineID), zap.Error(err))
		return nil, &MutationError{Op: op, LineID: lineID, Retryable: Retryable(err), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile(updated)
	return s.cart.Clone(), nil
}

// reconcile adopts c unless the store already holds a newer version of the
// same cart, which happens when responses on different lines arrive out of
// order.
func (s *Store) reconcile(c *domain.Cart) {
	if c == nil {
		return
	}
	if s.cart != nil && s.cart.ID == c.ID && s.cart.Version > c.Version {
		s.log.Debug("dropping stale cart response",
			zap.Int64("have", s.cart.Version), zap.Int64("got", c.Version))
		return
	}
	s.cart = c.Clone()
}

// Reset replaces the cart with a fresh empty one after an order. Server carts
// are rotated by the backend; guest carts are deleted.
func (s *Store) Reset(ctx context.Context) (*domain.Cart, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.cart.Clone()
	s.mu.Unlock()

	if s.kind == domain.CartServer {
		fresh, err := s.backend.RotateCart(ctx, s.userID, old.ID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cart = fresh.Clone()
		s.log.Info("server cart rotated", zap.String("old_cart_id", old.ID), zap.String("cart_id", fresh.ID))
		return s.cart.Clone(), nil
	}

	s.persist.Lock()
	defer s.persist.Unlock()
	s.mu.Lock()
	version := s.cart.Version
	s.mu.Unlock()

	if err := s.guests.Delete(ctx, s.guestID, version); err != nil && !errors.Is(err, ErrGuestCartNotFound) {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = s.emptyGuest()
	return s.cart.Clone(), nil
}
