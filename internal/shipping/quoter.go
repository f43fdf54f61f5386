package shipping

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fjod/go_storefront/internal/domain"
	"go.uber.org/zap"
)

type State string

const (
	StateAddressRequired State = "ADDRESS_REQUIRED"
	StateLoading         State = "LOADING"
	StateReady           State = "READY"
	StateNoShipping      State = "NO_SHIPPING"
	StateFailed          State = "FAILED"
)

var (
	ErrUnknownCarrier     = errors.New("unknown carrier")
	ErrCarrierUnavailable = errors.New("carrier has no rate for this address")
	ErrQuotesNotReady     = errors.New("shipping quotes are not ready")
)

// NoShippingMessage is shown when every carrier failed for the address.
const NoShippingMessage = "no carrier can deliver to this address, please contact support"

// Snapshot is an immutable view of the quoter.
type Snapshot struct {
	State       State          `json:"state"`
	AddressID   string         `json:"address_id,omitempty"`
	Available   []domain.Quote `json:"available"`
	Unavailable []domain.Quote `json:"unavailable"`
	Selected    string         `json:"selected,omitempty"`
	Err         string         `json:"error,omitempty"`
	Token       uint64         `json:"token"`
	// Stale marks a response that arrived after a newer request started and
	// was discarded.
	Stale bool `json:"stale,omitempty"`
}

func (s Snapshot) SelectedQuote() (domain.Quote, bool) {
	for _, q := range s.Available {
		if q.CarrierID == s.Selected {
			return q, true
		}
	}
	return domain.Quote{}, false
}

func (s Snapshot) clone() Snapshot {
	s.Available = append([]domain.Quote(nil), s.Available...)
	s.Unavailable = append([]domain.Quote(nil), s.Unavailable...)
	return s
}

// Quoter tracks shipping quotes for one checkout. Only the response to the
// most recent request is applied.
type Quoter struct {
	rates RateService
	log   *zap.Logger

	mu    sync.Mutex
	token uint64
	snap  Snapshot
}

func NewQuoter(rates RateService, log *zap.Logger) *Quoter {
	return &Quoter{
		rates: rates,
		log:   log,
		snap:  Snapshot{State: StateAddressRequired},
	}
}

func (q *Quoter) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap.clone()
}

// Quote fetches rates for req. Without a persisted address it moves to
// StateAddressRequired and makes no call.
func (q *Quoter) Quote(ctx context.Context, req RateRequest) Snapshot {
	q.mu.Lock()
	q.token++
	token := q.token
	if req.AddressID == "" {
		q.snap = Snapshot{State: StateAddressRequired, Selected: q.snap.Selected, Token: token}
		snap := q.snap.clone()
		q.mu.Unlock()
		return snap
	}
	q.snap = Snapshot{State: StateLoading, AddressID: req.AddressID, Selected: q.snap.Selected, Token: token}
	q.mu.Unlock()

	quotes, err := q.rates.GetRates(ctx, req)

	q.mu.Lock()
	defer q.mu.Unlock()
	if token != q.token {
		q.log.Debug("discarding stale shipping quotes",
			zap.String("address_id", req.AddressID), zap.Uint64("token", token), zap.Uint64("current", q.token))
		stale := q.snap.clone()
		stale.Stale = true
		return stale
	}

	if err != nil {
		q.log.Warn("shipping quote failed", zap.String("address_id", req.AddressID), zap.Error(err))
		q.snap = Snapshot{State: StateFailed, AddressID: req.AddressID, Selected: q.snap.Selected, Err: err.Error(), Token: token}
		return q.snap.clone()
	}

	available, unavailable := partition(quotes)
	next := Snapshot{
		State:       StateReady,
		AddressID:   req.AddressID,
		Available:   available,
		Unavailable: unavailable,
		Selected:    q.snap.Selected,
		Token:       token,
	}
	if len(available) == 0 {
		next.State = StateNoShipping
		next.Selected = ""
		next.Err = NoShippingMessage
	} else if _, ok := next.SelectedQuote(); !ok {
		next.Selected = available[0].CarrierID
	}
	q.snap = next
	return q.snap.clone()
}

// Select chooses a carrier among the available quotes.
func (q *Quoter) Select(carrierID string) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.snap.State != StateReady {
		return q.snap.clone(), ErrQuotesNotReady
	}
	for _, quote := range q.snap.Available {
		if quote.CarrierID == carrierID {
			q.snap.Selected = carrierID
			return q.snap.clone(), nil
		}
	}
	for _, quote := range q.snap.Unavailable {
		if quote.CarrierID == carrierID {
			return q.snap.clone(), ErrCarrierUnavailable
		}
	}
	return q.snap.clone(), ErrUnknownCarrier
}

// Invalidate drops the current quotes, for example after the address
// changed. The carrier choice is kept as a preference for the next quote.
// Any request in flight becomes stale.
func (q *Quoter) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.token++
	q.snap = Snapshot{State: StateAddressRequired, Selected: q.snap.Selected, Token: q.token}
}

// Reset forgets quotes and the carrier preference.
func (q *Quoter) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.token++
	q.snap = Snapshot{State: StateAddressRequired, Token: q.token}
}

// partition splits quotes into priced ones, cheapest first, and errored ones.
func partition(quotes map[string]domain.Quote) (available, unavailable []domain.Quote) {
	available = []domain.Quote{}
	unavailable = []domain.Quote{}
	for _, quote := range quotes {
		if quote.OK() {
			available = append(available, quote)
		} else {
			unavailable = append(unavailable, quote)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c < 0
		}
		if a.TransitDays != b.TransitDays {
			return a.TransitDays < b.TransitDays
		}
		return a.CarrierID < b.CarrierID
	})
	sort.Slice(unavailable, func(i, j int) bool {
		return unavailable[i].CarrierID < unavailable[j].CarrierID
	})
	return available, unavailable
}
