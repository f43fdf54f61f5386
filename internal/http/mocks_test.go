package http

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_storefront/internal/cache"
	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/catalog"
	"github.com/fjod/go_storefront/internal/checkout"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockCatalog struct {
	products map[string]*domain.Product
}

func (m mockCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

// mockBackend is an in-memory server cart service.
type mockBackend struct {
	mu     sync.Mutex
	seq    int
	carts  map[string]*domain.Cart
	active map[string]string
}

func newMockBackend() *mockBackend {
	return &mockBackend{carts: make(map[string]*domain.Cart), active: make(map[string]string)}
}

func (m *mockBackend) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockBackend) currentLocked(userID string) *domain.Cart {
	if id, ok := m.active[userID]; ok {
		return m.carts[id]
	}
	c := &domain.Cart{ID: m.nextID("cart"), Kind: domain.CartServer, UserID: userID, Lines: []domain.CartLine{}}
	m.carts[c.ID] = c
	m.active[userID] = c.ID
	return c
}

func (m *mockBackend) CurrentCart(_ context.Context, userID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(userID).Clone(), nil
}

func (m *mockBackend) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return c.Clone(), nil
}

func (m *mockBackend) mutate(cartID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[cartID]
	if !ok {
		return nil, cart.ErrCartNotFound
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
	return m.mutate(cartID, func(c *domain.Cart) error {
		_, err := cart.ApplyAdd(c, line, line.Quantity, func() string { return m.nextID("line") }, time.Now())
		return err
	})
}

func (m *mockBackend) IncreaseQty(_ context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return m.mutate(cartID, func(c *domain.Cart) error { return cart.ApplyIncrease(c, lineID, delta) })
}

func (m *mockBackend) DecreaseQty(_ context.Context, cartID, lineID string, delta int) (*domain.Cart, error) {
	return m.mutate(cartID, func(c *domain.Cart) error { return cart.ApplyDecrease(c, lineID, delta) })
}

func (m *mockBackend) RemoveItem(_ context.Context, cartID, lineID string) (*domain.Cart, error) {
	return m.mutate(cartID, func(c *domain.Cart) error { return cart.ApplyRemove(c, lineID) })
}

func (m *mockBackend) MergeGuestCart(_ context.Context, userID, token string, lines []domain.CartLine) (*cart.MergeAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentLocked(userID)
	if c.HasMergeToken(token) {
		return &cart.MergeAck{Cart: c.Clone(), Replayed: true}, nil
	}
	c.Lines = cart.MergeLines(c.Lines, lines, func() string { return m.nextID("line") })
	c.MergeTokens = append(c.MergeTokens, token)
	c.Version++
	return &cart.MergeAck{Cart: c.Clone()}, nil
}

func (m *mockBackend) RotateCart(_ context.Context, userID, oldCartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[userID] == oldCartID {
		delete(m.active, userID)
	}
	return m.currentLocked(userID).Clone(), nil
}

func (m *mockBackend) seed(userID string, lines ...domain.CartLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentLocked(userID)
	for _, l := range lines {
		l.ID = m.nextID("line")
		c.Lines = append(c.Lines, l)
	}
}

type mockAddressBook struct {
	mu    sync.Mutex
	saved map[string][]domain.Address
}

func (m *mockAddressBook) List(_ context.Context, ownerID string) ([]domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Address(nil), m.saved[ownerID]...), nil
}

func (m *mockAddressBook) Get(_ context.Context, ownerID, id string) (*domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.saved[ownerID] {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, errAddressMissing)
}

func (m *mockAddressBook) Add(_ context.Context, ownerID string, form domain.Address) (*domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]domain.Address)
	}
	form.ID = fmt.Sprintf("addr-%d", len(m.saved[ownerID])+1)
	form.OwnerID = ownerID
	form.IsDefault = len(m.saved[ownerID]) == 0
	m.saved[ownerID] = append(m.saved[ownerID], form)
	return &form, nil
}

func (m *mockAddressBook) AddGuest(ctx context.Context, sessionID string, form domain.Address) (*domain.Address, error) {
	return m.Add(ctx, "guest:"+sessionID, form)
}

func (m *mockAddressBook) Update(_ context.Context, _, id string, form domain.Address) (*domain.Address, error) {
	form.ID = id
	return &form, nil
}

func (m *mockAddressBook) Delete(context.Context, string, string) error { return nil }

func (m *mockAddressBook) SetDefault(context.Context, string, string) error { return nil }

var errAddressMissing = fmt.Errorf("address not found")

// sizeColor is the Size x Color product where only (S,Red) and (M,Blue) exist.
func sizeColor() *domain.Product {
	return &domain.Product{
		ID:    "p1",
		Title: "Tee",
		Price: decimal.RequireFromString("19.00"),
		Options: []domain.VariationOption{
			{Name: "Size", Values: []string{"S", "M", "L"}},
			{Name: "Color", Values: []string{"Red", "Blue"}},
		},
		Variants: []domain.VariantProduct{
			{ID: "v-s-red", ProductID: "p1", Price: decimal.RequireFromString("20.00"), SKU: "TEE-S-RED", Stock: 3,
				Options: map[string]string{"Size": "S", "Color": "Red"}},
			{ID: "v-m-blue", ProductID: "p1", Price: decimal.RequireFromString("22.00"), SKU: "TEE-M-BLUE", Stock: 1,
				Options: map[string]string{"Size": "M", "Color": "Blue"}},
		},
	}
}

type testServer struct {
	router   chi.Router
	backend  *mockBackend
	sessions *Sessions
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zap.NewNop()
	backend := newMockBackend()
	guests := cache.NewGuestCarts(client, time.Hour)
	book := &mockAddressBook{}

	products := NewProductHandler(mockCatalog{products: map[string]*domain.Product{
		"p1":  sizeColor(),
		"mug": {ID: "mug", Title: "Mug", Price: decimal.RequireFromString("8.00"), SKU: "MUG"},
	}}, 5*time.Second, log)

	sessions := NewSessions(SessionDeps{
		Backend: backend,
		Guests:  guests,
		Merger:  cart.NewMerger(backend, guests, 1, log),
		Checkout: checkout.Deps{
			Addresses: book,
			Log:       log,
		},
		Log: log,
	})

	router := NewRouter(RouterDeps{
		Products:  products,
		Carts:     NewCartHandler(sessions, products, 5*time.Second, log),
		Addresses: NewAddressHandler(book, 5*time.Second, log),
		Checkouts: NewCheckoutHandler(sessions, products, 5*time.Second, log),
		Log:       log,
	})
	return &testServer{router: router, backend: backend, sessions: sessions, redis: mr}
}
