package shipping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRates struct {
	mu     sync.Mutex
	calls  int
	quotes map[string]map[string]domain.Quote // by address id
	err    error
	// gate blocks GetRates for the given address until closed.
	gate map[string]chan struct{}
}

func newMockRates() *mockRates {
	return &mockRates{quotes: make(map[string]map[string]domain.Quote), gate: make(map[string]chan struct{})}
}

func (m *mockRates) GetRates(ctx context.Context, req RateRequest) (map[string]domain.Quote, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate[req.AddressID]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.quotes[req.AddressID], nil
}

func priced(id, amount string) domain.Quote {
	return domain.PricedQuote(id, decimal.RequireFromString(amount), "USD", 3)
}

func failed(id string) domain.Quote {
	return domain.ErrorQuote(id, errors.New("timeout"))
}

func req(addressID string) RateRequest {
	return RateRequest{OwnerID: "u1", CartID: "c1", AddressID: addressID, Items: 1}
}

func TestQuoter_NoAddressDoesNotCallBackend(t *testing.T) {
	rates := newMockRates()
	q := NewQuoter(rates, zap.NewNop())

	snap := q.Quote(context.Background(), req(""))
	assert.Equal(t, StateAddressRequired, snap.State)
	assert.Zero(t, rates.calls)
}

func TestQuoter_AutoSelectsCheapestAvailable(t *testing.T) {
	rates := newMockRates()
	rates.quotes["a1"] = map[string]domain.Quote{
		"standard": priced("standard", "5.00"),
		"express":  priced("express", "15.00"),
		"economy":  failed("economy"),
	}
	q := NewQuoter(rates, zap.NewNop())

	snap := q.Quote(context.Background(), req("a1"))
	require.Equal(t, StateReady, snap.State)
	assert.Equal(t, "standard", snap.Selected)
	require.Len(t, snap.Available, 2)
	assert.Equal(t, "standard", snap.Available[0].CarrierID)
	require.Len(t, snap.Unavailable, 1)
	assert.Equal(t, "economy", snap.Unavailable[0].CarrierID)
}

func TestQuoter_KeepsSelectionWhileAvailable(t *testing.T) {
	rates := newMockRates()
	rates.quotes["a1"] = map[string]domain.Quote{
		"standard": priced("standard", "5.00"),
		"express":  priced("express", "15.00"),
	}
	rates.quotes["a2"] = map[string]domain.Quote{
		"standard": priced("standard", "7.00"),
		"express":  priced("express", "12.00"),
	}
	rates.quotes["a3"] = map[string]domain.Quote{
		"standard": priced("standard", "9.00"),
		"express":  failed("express"),
	}
	q := NewQuoter(rates, zap.NewNop())
	ctx := context.Background()

	q.Quote(ctx, req("a1"))
	_, err := q.Select("express")
	require.NoError(t, err)

	q.Invalidate()
	snap := q.Quote(ctx, req("a2"))
	assert.Equal(t, "express", snap.Selected, "still available, kept")

	q.Invalidate()
	snap = q.Quote(ctx, req("a3"))
	assert.Equal(t, "standard", snap.Selected, "errored carrier replaced by cheapest")
}

func TestQuoter_AllCarriersFailed(t *testing.T) {
	rates := newMockRates()
	rates.quotes["a1"] = map[string]domain.Quote{
		"standard": failed("standard"),
		"express":  failed("express"),
		"freight":  failed("freight"),
	}
	q := NewQuoter(rates, zap.NewNop())

	snap := q.Quote(context.Background(), req("a1"))
	assert.Equal(t, StateNoShipping, snap.State)
	assert.Empty(t, snap.Selected)
	assert.Len(t, snap.Unavailable, 3)
	assert.Contains(t, snap.Err, "contact support")
	_, ok := snap.SelectedQuote()
	assert.False(t, ok)
}

func TestQuoter_TransportFailure(t *testing.T) {
	rates := newMockRates()
	rates.err = errors.New("rates service down")
	q := NewQuoter(rates, zap.NewNop())

	snap := q.Quote(context.Background(), req("a1"))
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Err, "rates service down")
}

func TestQuoter_SelectRules(t *testing.T) {
	rates := newMockRates()
	rates.quotes["a1"] = map[string]domain.Quote{
		"standard": priced("standard", "5.00"),
		"economy":  failed("economy"),
	}
	q := NewQuoter(rates, zap.NewNop())

	_, err := q.Select("standard")
	assert.ErrorIs(t, err, ErrQuotesNotReady)

	q.Quote(context.Background(), req("a1"))
	_, err = q.Select("economy")
	assert.ErrorIs(t, err, ErrCarrierUnavailable)
	_, err = q.Select("pigeon")
	assert.ErrorIs(t, err, ErrUnknownCarrier)
	assert.Equal(t, "standard", q.Snapshot().Selected)
}

func TestQuoter_DropsStaleResponse(t *testing.T) {
	rates := newMockRates()
	rates.quotes["old"] = map[string]domain.Quote{"standard": priced("standard", "99.00")}
	rates.quotes["new"] = map[string]domain.Quote{"standard": priced("standard", "5.00")}
	gate := make(chan struct{})
	rates.gate["old"] = gate
	q := NewQuoter(rates, zap.NewNop())
	ctx := context.Background()

	done := make(chan Snapshot)
	go func() { done <- q.Quote(ctx, req("old")) }()

	require.Eventually(t, func() bool {
		return q.Snapshot().State == StateLoading
	}, time.Second, 5*time.Millisecond)

	fresh := q.Quote(ctx, req("new"))
	require.Equal(t, StateReady, fresh.State)

	close(gate)
	stale := <-done
	assert.True(t, stale.Stale)
	assert.Equal(t, "new", stale.AddressID)

	current := q.Snapshot()
	assert.Equal(t, "new", current.AddressID)
	quote, ok := current.SelectedQuote()
	require.True(t, ok)
	assert.Equal(t, "5", quote.Amount.String())
}

func TestQuoter_InvalidateMakesInFlightStale(t *testing.T) {
	rates := newMockRates()
	rates.quotes["a1"] = map[string]domain.Quote{"standard": priced("standard", "5.00")}
	gate := make(chan struct{})
	rates.gate["a1"] = gate
	q := NewQuoter(rates, zap.NewNop())

	done := make(chan Snapshot)
	go func() { done <- q.Quote(context.Background(), req("a1")) }()
	require.Eventually(t, func() bool {
		return q.Snapshot().State == StateLoading
	}, time.Second, 5*time.Millisecond)

	q.Invalidate()
	close(gate)

	assert.True(t, (<-done).Stale)
	assert.Equal(t, StateAddressRequired, q.Snapshot().State)
}

// The auto-selected carrier is always the cheapest available one and never an
// errored one, whatever mix of results the carriers return.
func TestQuoter_CheapestSelectionProperty(t *testing.T) {
	amounts := []string{"3.10", "8.00", "3.05", "12.40", "0.99"}
	for mask := 0; mask < 1<<len(amounts); mask++ {
		rates := newMockRates()
		quotes := map[string]domain.Quote{}
		var cheapest string
		var best decimal.Decimal
		for i, a := range amounts {
			id := string(rune('a' + i))
			if mask&(1<<i) != 0 {
				quotes[id] = failed(id)
				continue
			}
			quotes[id] = priced(id, a)
			amt := decimal.RequireFromString(a)
			if cheapest == "" || amt.LessThan(best) {
				cheapest, best = id, amt
			}
		}
		rates.quotes["a1"] = quotes

		snap := NewQuoter(rates, zap.NewNop()).Quote(context.Background(), req("a1"))
		if cheapest == "" {
			assert.Equal(t, StateNoShipping, snap.State, "mask %b", mask)
			continue
		}
		assert.Equal(t, cheapest, snap.Selected, "mask %b", mask)
	}
}
