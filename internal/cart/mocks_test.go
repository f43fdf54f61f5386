package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
)

var errUnavailable = errors.New("backend unavailable")

type mockBackend struct {
	m       sync.Mutex
	carts   map[string]*domain.Cart
	active  map[string]string
	tokens  map[string]bool
	errs    []error
	started chan string
	gate    chan struct{}
	seq     int
	calls   int
	merges  int
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		carts:  make(map[string]*domain.Cart),
		active: make(map[string]string),
		tokens: make(map[string]bool),
	}
}

func (m *mockBackend) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// enter blocks on the gate (when set) and pops a queued error.
func (m *mockBackend) enter(op string) error {
	if m.started != nil {
		m.started <- op
	}
	if m.gate != nil {
		<-m.gate
	}
	m.m.Lock()
	defer m.m.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockBackend) failNext(errs ...error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.errs = append(m.errs, errs...)
}

func (m *mockBackend) current(userID string) *domain.Cart {
	if id, ok := m.active[userID]; ok {
		return m.carts[id]
	}
	c := &domain.Cart{ID: m.nextID("cart"), Kind: domain.CartServer, UserID: userID, Lines: []domain.CartLine{}}
	m.carts[c.ID] = c
	m.active[userID] = c.ID
	return c
}

func (m *mockBackend) seed(userID string, lines ...domain.CartLine) *domain.Cart {
	m.m.Lock()
	defer m.m.Unlock()
	c := m.current(userID)
	c.Lines = append(c.Lines, lines...)
	return c.Clone()
}

func (m *mockBackend) CurrentCart(_ context.Context, userID string) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	return m.current(userID).Clone(), nil
}

func (m *mockBackend) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return c.Clone(), nil
}

func (m *mockBackend) mutate(op, cartID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	if err := m.enter(op); err != nil {
		return nil, err
	}
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	next := c.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	m.carts[cartID] = next
	return next.Clone(), nil
}

func (m *mockBackend) AddItem(_ context.Context, cartID string, line domain.CartLine) (*domain.Cart, error) {
	return m.mutate("add", cartID, func(c *domain.Cart) error {
		_, err := ApplyAdd(c, line, line.Quantity, func() string { return m.nextID("line") }, time.Now())
		return err
	})
}

func (m *mockBackend) IncreaseQty(_ context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return m.mutate("increase", cartID, func(c *domain.Cart) error { return ApplyIncrease(c, lineID, delta) })
}

func (m *mockBackend) DecreaseQty(_ context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return m.mutate("decrease", cartID, func(c *domain.Cart) error { return ApplyDecrease(c, lineID, delta) })
}

func (m *mockBackend) RemoveItem(_ context.Context, cartID, lineID string) (*domain.Cart, error) {
	return m.mutate("remove", cartID, func(c *domain.Cart) error { return ApplyRemove(c, lineID) })
}

func (m *mockBackend) MergeGuestCart(_ context.Context, userID, token string, lines []domain.CartLine) (*MergeAck, error) {
	if err := m.enter("merge"); err != nil {
		return nil, err
	}
	m.m.Lock()
	defer m.m.Unlock()
	c := m.current(userID)
	if m.tokens[token] {
		return &MergeAck{Cart: c.Clone(), Replayed: true}, nil
	}
	m.merges++
	c.Lines = MergeLines(c.Lines, lines, func() string { return m.nextID("line") })
	c.Version++
	m.tokens[token] = true
	return &MergeAck{Cart: c.Clone()}, nil
}

func (m *mockBackend) RotateCart(_ context.Context, userID, oldCartID string) (*domain.Cart, error) {
	if err := m.enter("rotate"); err != nil {
		return nil, err
	}
	m.m.Lock()
	defer m.m.Unlock()
	if m.active[userID] == oldCartID {
		delete(m.active, userID)
	}
	return m.current(userID).Clone(), nil
}

type mockGuestStore struct {
	m          sync.RWMutex
	carts      map[string]*domain.Cart
	saveErr    error
	deleteErrs []error
	deletes    int
	// beforeDelete runs once, unlocked, ahead of the next Delete.
	beforeDelete func()
	// saveGate, when set, holds every Save until it receives.
	saveGate chan struct{}
	saving   chan struct{}
}

func newMockGuestStore() *mockGuestStore {
	return &mockGuestStore{carts: make(map[string]*domain.Cart)}
}

func (g *mockGuestStore) Load(_ context.Context, guestID string) (*domain.Cart, error) {
	g.m.RLock()
	defer g.m.RUnlock()
	c, ok := g.carts[guestID]
	if !ok {
		return nil, ErrGuestCartNotFound
	}
	return c.Clone(), nil
}

func (g *mockGuestStore) Save(_ context.Context, c *domain.Cart, expected int64) error {
	if g.saving != nil {
		g.saving <- struct{}{}
	}
	if g.saveGate != nil {
		<-g.saveGate
	}
	g.m.Lock()
	defer g.m.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	var have int64
	if cur, ok := g.carts[c.ID]; ok {
		have = cur.Version
	}
	if have != expected {
		return ErrVersionConflict
	}
	g.carts[c.ID] = c.Clone()
	return nil
}

func (g *mockGuestStore) Delete(_ context.Context, guestID string, expected int64) error {
	g.m.Lock()
	hook := g.beforeDelete
	g.beforeDelete = nil
	g.m.Unlock()
	if hook != nil {
		hook()
	}

	g.m.Lock()
	defer g.m.Unlock()
	if len(g.deleteErrs) > 0 {
		err := g.deleteErrs[0]
		g.deleteErrs = g.deleteErrs[1:]
		return err
	}
	cur, ok := g.carts[guestID]
	if !ok {
		return ErrGuestCartNotFound
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	delete(g.carts, guestID)
	g.deletes++
	return nil
}

func plainLine(productID string, price string) domain.CartLine {
	return domain.CartLine{Kind: domain.LinePlain, ProductID: productID, Title: productID, UnitPrice: decimal.RequireFromString(price)}
}

func variantLine(productID, variantID string, price string) domain.CartLine {
	return domain.CartLine{Kind: domain.LineVariant, ProductID: productID, VariantID: variantID, Title: productID, UnitPrice: decimal.RequireFromString(price)}
}
