package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fjod/go_storefront/internal/address"
	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/gateway"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// mockBackend opens real gateway orders and checks real signatures.
type mockBackend struct {
	mu        sync.Mutex
	registry  *gateway.Registry
	signer    *gateway.Signer
	shipping  decimal.Decimal
	requests  []checkoutsvc.CreateRequest
	byKey     map[string]*checkoutsvc.Order
	abandoned []string
	verifies  int
	createErr error
	verifyErr error
}

func newMockBackend(registry *gateway.Registry, signer *gateway.Signer) *mockBackend {
	return &mockBackend{
		registry: registry,
		signer:   signer,
		shipping: decimal.RequireFromString("5"),
		byKey:    make(map[string]*checkoutsvc.Order),
	}
}

func (m *mockBackend) CreateCheckout(ctx context.Context, req checkoutsvc.CreateRequest) (*checkoutsvc.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.createErr != nil {
		return nil, m.createErr
	}
	if o, ok := m.byKey[req.IdempotencyKey]; ok {
		replay := *o
		replay.Replayed = true
		return &replay, nil
	}
	pct, err := m.discount(req.DiscountCode)
	if err != nil {
		return nil, err
	}
	totals := domain.ComputeTotals(req.Lines, m.shipping, pct, "USD")
	id := uuid.NewString()
	ref, err := m.registry.CreateOrder(ctx, totals.Total, totals.Currency, id)
	if err != nil {
		return nil, err
	}
	o := &checkoutsvc.Order{
		CheckoutID:      id,
		GatewayOrderRef: ref,
		Status:          domain.CheckoutStatusPaymentPending,
		Totals:          totals,
	}
	m.byKey[req.IdempotencyKey] = o
	return o, nil
}

func (m *mockBackend) Verify(_ context.Context, req checkoutsvc.VerifyRequest) (*checkoutsvc.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifies++
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	if !m.signer.Verify(req.GatewayOrderRef, req.TransactionID, req.Signature) {
		return nil, checkoutsvc.ErrVerificationFailed
	}
	return &checkoutsvc.Verification{
		CheckoutID:    req.CheckoutID,
		Status:        domain.CheckoutStatusCompleted,
		TransactionID: req.TransactionID,
	}, nil
}

func (m *mockBackend) Abandon(_ context.Context, checkoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = append(m.abandoned, checkoutID)
	return nil
}

func (m *mockBackend) Discount(_ context.Context, code string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discount(code)
}

func (m *mockBackend) discount(code string) (int, error) {
	switch code {
	case "":
		return 0, nil
	case "SAVE10":
		return 10, nil
	}
	return 0, checkoutsvc.ErrInvalidDiscount
}

func (m *mockBackend) createCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockBackend) lastRequest() checkoutsvc.CreateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func (m *mockBackend) abandonedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.abandoned...)
}

func (m *mockBackend) verifyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifies
}

type testGateway struct {
	*gateway.Registry
	readyErr error
}

func (g *testGateway) WaitUntilReady(context.Context) error { return g.readyErr }

type mockAddresses struct {
	mu   sync.Mutex
	byID map[string]domain.Address
}

func newMockAddresses(list ...domain.Address) *mockAddresses {
	m := &mockAddresses{byID: make(map[string]domain.Address)}
	for _, a := range list {
		m.byID[a.ID] = a
	}
	return m
}

func (m *mockAddresses) List(_ context.Context, ownerID string) ([]domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Address
	for _, a := range m.byID {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAddresses) Get(_ context.Context, ownerID, id string) (*domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.OwnerID != ownerID {
		return nil, address.ErrAddressNotFound
	}
	return &a, nil
}

func (m *mockAddresses) Add(_ context.Context, ownerID string, form domain.Address) (*domain.Address, error) {
	if form.Name == "" {
		return nil, &address.ValidationError{Fields: map[string]string{"name": "required"}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	form.ID = fmt.Sprintf("addr-%d", len(m.byID)+1)
	form.OwnerID = ownerID
	m.byID[form.ID] = form
	return &form, nil
}

func (m *mockAddresses) AddGuest(ctx context.Context, sessionID string, form domain.Address) (*domain.Address, error) {
	return m.Add(ctx, address.GuestOwner(sessionID), form)
}

type mockRates struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
	calls  int
	reqs   []shipping.RateRequest
}

func (m *mockRates) GetRates(_ context.Context, req shipping.RateRequest) (map[string]domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.reqs = append(m.reqs, req)
	out := make(map[string]domain.Quote, len(m.quotes))
	for id, q := range m.quotes {
		out[id] = q
	}
	return out, nil
}

func (m *mockRates) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockCarts stands in for the session's cart store.
type mockCarts struct {
	mu         sync.Mutex
	cart       *domain.Cart
	resets     int
	refreshErr error
}

func (m *mockCarts) Snapshot() *domain.Cart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cart.Clone()
}

func (m *mockCarts) Refresh(context.Context) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return m.cart.Clone(), nil
}

func (m *mockCarts) Reset(context.Context) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.cart = &domain.Cart{ID: "cart-" + uuid.NewString(), Kind: m.cart.Kind, UserID: m.cart.UserID, Lines: []domain.CartLine{}}
	return m.cart.Clone(), nil
}

func (m *mockCarts) bump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cart.Lines[0].Quantity++
	m.cart.Version++
}

func (m *mockCarts) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

var errBoom = errors.New("boom")
