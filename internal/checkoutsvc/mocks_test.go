package checkoutsvc

import (
	"context"
	"errors"
	"sync"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/shopspring/decimal"
)

type mockRepository struct {
	mu          sync.Mutex
	sessions    map[string]*CheckoutSession
	events      []*OutboxEvent
	processed   map[int]bool
	completeErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{sessions: make(map[string]*CheckoutSession), processed: make(map[int]bool)}
}

func (m *mockRepository) copyOf(s *CheckoutSession) *CheckoutSession {
	c := *s
	c.CartSnapshot = append([]byte(nil), s.CartSnapshot...)
	return &c
}

func (m *mockRepository) GetCheckoutSessionByIdempotencyKey(_ context.Context, key string) (*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKey == key {
			return m.copyOf(s), nil
		}
	}
	return nil, ErrIdempotencyKeyNotFound
}

func (m *mockRepository) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.copyOf(s), nil
}

func (m *mockRepository) CreateCheckoutSession(_ context.Context, session *CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKey == session.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	m.sessions[session.ID] = m.copyOf(session)
	return nil
}

func (m *mockRepository) transition(id string, from, to domain.CheckoutStatus, fn func(*CheckoutSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != from {
		return ErrStatusConflict
	}
	s.Status = to
	if fn != nil {
		fn(s)
	}
	return nil
}

func (m *mockRepository) UpdateCheckoutSessionStatus(_ context.Context, id string, from, to domain.CheckoutStatus) error {
	return m.transition(id, from, to, nil)
}

func (m *mockRepository) SetGatewayOrder(_ context.Context, id, orderRef string, status domain.CheckoutStatus) error {
	return m.transition(id, domain.CheckoutStatusInitiated, status, func(s *CheckoutSession) { s.GatewayOrderRef = orderRef })
}

func (m *mockRepository) SetPayment(_ context.Context, id string, status domain.CheckoutStatus, paymentID string) error {
	return m.transition(id, domain.CheckoutStatusPaymentPending, status, func(s *CheckoutSession) { s.PaymentID = paymentID })
}

func (m *mockRepository) CompleteCheckoutSession(_ context.Context, id string, payload []byte, status domain.CheckoutStatus) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	err := m.transition(id, domain.CheckoutStatusPaymentCompleted, status, nil)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, &OutboxEvent{
		ID: len(m.events) + 1, AggregateId: id, EventType: EventCheckoutCompleted, Payload: payload,
	})
	return nil
}

func (m *mockRepository) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range m.events {
		if !m.processed[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepository) MarkEventAsProcessed(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = true
	return nil
}

func (m *mockRepository) GetStuckSessions(context.Context) ([]*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*CheckoutSession
	for _, s := range m.sessions {
		if s.Status == domain.CheckoutStatusPaymentCompleted {
			out = append(out, m.copyOf(s))
		}
	}
	return out, nil
}

// mockPricer prices every line at the catalog price table.
type mockPricer struct {
	prices map[string]string
}

func (p *mockPricer) Reprice(_ context.Context, lines []domain.CartLine) ([]domain.CartLine, []cart.PriceChange, error) {
	out := make([]domain.CartLine, 0, len(lines))
	var changes []cart.PriceChange
	for _, l := range lines {
		price, ok := p.prices[string(l.Key())]
		if !ok {
			return nil, nil, errors.New("product not found")
		}
		fresh := decimal.RequireFromString(price)
		if !fresh.Equal(l.UnitPrice) {
			changes = append(changes, cart.PriceChange{Key: l.Key(), ProductID: l.ProductID, VariantID: l.VariantID, Old: l.UnitPrice, New: fresh})
		}
		l.UnitPrice = fresh
		out = append(out, l)
	}
	return out, changes, nil
}

type mockAddresses map[string]string // address id -> owner

func (m mockAddresses) Get(_ context.Context, ownerID, id string) (*domain.Address, error) {
	if m[id] != ownerID {
		return nil, errors.New("address not found")
	}
	return &domain.Address{ID: id, OwnerID: ownerID, Country: "US"}, nil
}

type mockRates struct {
	quotes map[string]domain.Quote
	err    error
	last   shipping.RateRequest
}

func (m *mockRates) GetRates(_ context.Context, req shipping.RateRequest) (map[string]domain.Quote, error) {
	m.last = req
	return m.quotes, m.err
}

type mockOrders struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockOrders) CreateOrder(_ context.Context, amount decimal.Decimal, _, receipt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "order_" + receipt, nil
}
