package cart

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type MergeResult struct {
	Cart         *domain.Cart  `json:"cart"`
	Token        string        `json:"token,omitempty"`
	MergedLines  int           `json:"merged_lines"`
	PriceChanges []PriceChange `json:"price_changes,omitempty"`
	// Replayed is set when this login transition or token was already merged.
	Replayed bool `json:"replayed"`
}

// MergeToken identifies one guest cart state. Merging the same state twice
// yields the same token.
func MergeToken(guest *domain.Cart) string {
	return guest.ID + ":" + strconv.FormatInt(guest.Version, 10)
}

// Merger folds a guest cart into the user's server cart once per login
// transition.
type Merger struct {
	backend  Backend
	guests   GuestStore
	attempts int
	backoff  time.Duration
	log      *zap.Logger

	sfg  singleflight.Group
	mu   sync.Mutex
	done map[string]*MergeResult
	// unsettled holds acknowledged guest carts whose clear failed, by guest id.
	unsettled map[string]*domain.Cart
}

func NewMerger(backend Backend, guests GuestStore, attempts int, log *zap.Logger) *Merger {
	if attempts < 1 {
		attempts = 1
	}
	return &Merger{
		backend:   backend,
		guests:    guests,
		attempts:  attempts,
		backoff:   100 * time.Millisecond,
		log:       log,
		done:      make(map[string]*MergeResult),
		unsettled: make(map[string]*domain.Cart),
	}
}

// Merge runs the merge for one login transition. Calling it again with the
// same transition id returns the first result without touching the backend.
func (m *Merger) Merge(ctx context.Context, transitionID, userID, guestID string) (*MergeResult, error) {
	m.mu.Lock()
	if res, ok := m.done[transitionID]; ok {
		m.mu.Unlock()
		replay := *res
		replay.Replayed = true
		return &replay, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sfg.Do(transitionID, func() (interface{}, error) {
		m.mu.Lock()
		prev, ok := m.done[transitionID]
		m.mu.Unlock()
		if ok {
			return prev, nil
		}
		res, err := m.merge(ctx, userID, guestID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.done[transitionID] = res
		m.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MergeResult), nil
}

func (m *Merger) merge(ctx context.Context, userID, guestID string) (*MergeResult, error) {
	if err := m.settle(ctx, guestID); err != nil {
		return nil, err
	}

	guest, err := m.guests.Load(ctx, guestID)
	if err != nil && !errors.Is(err, ErrGuestCartNotFound) {
		return nil, fmt.Errorf("load guest cart: %w", err)
	}
	if guest == nil || guest.IsEmpty() {
		current, err := m.backend.CurrentCart(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load server cart: %w", err)
		}
		if guest != nil {
			if err := m.guests.Delete(ctx, guest.ID, guest.Version); err != nil && !errors.Is(err, ErrGuestCartNotFound) {
				m.log.Warn("clear empty guest cart", zap.String("guest_id", guest.ID), zap.Error(err))
			}
		}
		return &MergeResult{Cart: current}, nil
	}

	token := MergeToken(guest)
	ack, err := m.send(ctx, userID, token, guest.Lines)
	if err != nil {
		return nil, err
	}

	// The merged lines must leave the guest cart before the merge counts as
	// done. Until then the next attempt settles them first.
	if err := m.clearGuest(ctx, guest); err != nil {
		m.mu.Lock()
		m.unsettled[guest.ID] = guest.Clone()
		m.mu.Unlock()
		m.log.Error("guest cart merged but not cleared",
			zap.String("guest_id", guest.ID), zap.String("token", token), zap.Error(err))
		return nil, err
	}

	m.log.Info("guest cart merged",
		zap.String("user_id", userID),
		zap.String("token", token),
		zap.Int("guest_lines", len(guest.Lines)),
		zap.Int("price_changes", len(ack.PriceChanges)),
		zap.Bool("replayed", ack.Replayed))

	return &MergeResult{
		Cart:         ack.Cart,
		Token:        token,
		MergedLines:  len(guest.Lines),
		PriceChanges: ack.PriceChanges,
		Replayed:     ack.Replayed,
	}, nil
}

// settle finishes clearing a guest cart left behind by an earlier merge.
func (m *Merger) settle(ctx context.Context, guestID string) error {
	m.mu.Lock()
	merged, ok := m.unsettled[guestID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.clearGuest(ctx, merged); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.unsettled, guestID)
	m.mu.Unlock()
	m.log.Info("settled previously merged guest cart",
		zap.String("guest_id", guestID), zap.String("token", MergeToken(merged)))
	return nil
}

// send retries transient failures with the same token.
func (m *Merger) send(ctx context.Context, userID, token string, lines []domain.CartLine) (*MergeAck, error) {
	var lastErr error
	delay := m.backoff
	for attempt := 1; attempt <= m.attempts; attempt++ {
		ack, err := m.backend.MergeGuestCart(ctx, userID, token, lines)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
		m.log.Warn("guest cart merge failed, retrying",
			zap.String("token", token), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("merge %s: %w", token, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("merge %s: %w", token, lastErr)
}

// clearGuest removes merged from the guest store. When the guest cart moved
// on since the merge, only the merged quantities are taken out of it.
func (m *Merger) clearGuest(ctx context.Context, merged *domain.Cart) error {
	var lastErr error
	delay := m.backoff
	for attempt := 1; attempt <= m.attempts; attempt++ {
		err := m.guests.Delete(ctx, merged.ID, merged.Version)
		if errors.Is(err, ErrVersionConflict) {
			err = m.subtractMerged(ctx, merged)
		}
		if err == nil || errors.Is(err, ErrGuestCartNotFound) {
			return nil
		}
		lastErr = err
		m.log.Warn("clear guest cart failed",
			zap.String("guest_id", merged.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("clear guest cart %s: %w", merged.ID, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("clear guest cart %s: %w", merged.ID, lastErr)
}

// subtractMerged saves the current guest cart minus the merged lines, so
// only what was added after the merge is left.
func (m *Merger) subtractMerged(ctx context.Context, merged *domain.Cart) error {
	current, err := m.guests.Load(ctx, merged.ID)
	if err != nil {
		return err
	}
	rest := SubtractLines(current.Lines, merged.Lines)
	if len(rest) == 0 {
		return m.guests.Delete(ctx, current.ID, current.Version)
	}
	next := current.Clone()
	next.Lines = rest
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()
	return m.guests.Save(ctx, next, current.Version)
}

// SubtractLines takes the quantities of merged out of lines by line key and
// drops lines that reach zero. Inputs are not modified.
func SubtractLines(lines, merged []domain.CartLine) []domain.CartLine {
	owed := make(map[domain.LineKey]int, len(merged))
	for _, l := range merged {
		owed[l.Key()] += l.Quantity
	}
	out := make([]domain.CartLine, 0, len(lines))
	for _, l := range lines {
		k := l.Key()
		take := min(owed[k], l.Quantity)
		owed[k] -= take
		l.Quantity -= take
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}
