// Package shipping quotes carrier rates for a cart and destination and keeps
// the buyer's carrier choice consistent with what is currently available.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/pkg/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoService      = errors.New("carrier does not serve this destination")
	ErrAddressMissing = errors.New("shipping address not found")
)

// RateRequest asks for rates for one cart and one persisted address.
type RateRequest struct {
	OwnerID   string
	CartID    string
	AddressID string
	Items     int
	Subtotal  decimal.Decimal
}

// RateService returns one quote per carrier. Carrier failures are reported in
// the quote; the error is for failures of the service itself.
type RateService interface {
	GetRates(ctx context.Context, req RateRequest) (map[string]domain.Quote, error)
}

// Parcel is what a carrier prices.
type Parcel struct {
	Destination domain.Address
	Items       int
	Subtotal    decimal.Decimal
	Currency    string
}

type Carrier interface {
	ID() string
	Rate(ctx context.Context, p Parcel) (domain.Quote, error)
}

type AddressLookup interface {
	Get(ctx context.Context, ownerID, id string) (*domain.Address, error)
}

type breakerCarrier struct {
	Carrier
	cb *gobreaker.CircuitBreaker[domain.Quote]
}

// CarrierRates fans a rate request out to every carrier concurrently.
type CarrierRates struct {
	carriers  []breakerCarrier
	addresses AddressLookup
	currency  string
	timeout   time.Duration
	log       *zap.Logger
}

var _ RateService = (*CarrierRates)(nil)

func NewCarrierRates(carriers []Carrier, addresses AddressLookup, currency string, timeout time.Duration, log *zap.Logger) *CarrierRates {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	wrapped := make([]breakerCarrier, 0, len(carriers))
	for _, c := range carriers {
		wrapped = append(wrapped, breakerCarrier{
			Carrier: c,
			cb: circuitbreaker.New[domain.Quote](circuitbreaker.Settings{
				Name: "carrier:" + c.ID(),
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn("carrier breaker state changed",
						zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
				},
			}),
		})
	}
	return &CarrierRates{carriers: wrapped, addresses: addresses, currency: currency, timeout: timeout, log: log}
}

func (r *CarrierRates) GetRates(ctx context.Context, req RateRequest) (map[string]domain.Quote, error) {
	if req.AddressID == "" {
		return nil, ErrAddressMissing
	}
	dest, err := r.addresses.Get(ctx, req.OwnerID, req.AddressID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressMissing, err)
	}

	parcel := Parcel{Destination: *dest, Items: req.Items, Subtotal: req.Subtotal, Currency: r.currency}
	quotes := make([]domain.Quote, len(r.carriers))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.carriers {
		g.Go(func() error {
			quotes[i] = r.rate(gctx, c, parcel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Quote, len(quotes))
	for _, q := range quotes {
		out[q.CarrierID] = q
	}
	return out, nil
}

func (r *CarrierRates) rate(ctx context.Context, c breakerCarrier, p Parcel) domain.Quote {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	q, err := c.cb.Execute(func() (domain.Quote, error) {
		q, err := c.Rate(ctx, p)
		if errors.Is(err, ErrNoService) {
			// Not a carrier fault; keep it out of the breaker counts.
			return domain.ErrorQuote(c.ID(), err), nil
		}
		return q, err
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			err = errors.New("carrier temporarily unavailable")
		}
		r.log.Warn("carrier rate failed", zap.String("carrier_id", c.ID()), zap.Error(err))
		return domain.ErrorQuote(c.ID(), err)
	}
	q.CarrierID = c.ID()
	return q
}
