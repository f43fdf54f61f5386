// Package checkoutsvc is the checkout and payment-verification backend: it
// prices a cart snapshot, opens a gateway order, verifies the gateway's
// signature and records completion in a transactional outbox.
package checkoutsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrEmptyCart             = errors.New("cart is empty, nothing to checkout")
	ErrAddressNotFound       = errors.New("address not found")
	ErrCarrierUnavailable    = errors.New("selected carrier cannot ship this order")
	ErrInvalidDiscount       = errors.New("discount code is not valid")
	ErrVerificationFailed    = errors.New("payment signature verification failed")
	IllegalTransitionError   = errors.New("illegal transition of checkout status")
)

type Repricer interface {
	Reprice(ctx context.Context, lines []domain.CartLine) ([]domain.CartLine, []cart.PriceChange, error)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error)
}

type SignatureVerifier interface {
	Verify(orderRef, transactionID, signature string) bool
}

type CheckoutServiceImpl struct {
	repo      RepoInterface
	prices    Repricer
	addresses shipping.AddressLookup
	rates     shipping.RateService
	orders    OrderCreator
	verifier  SignatureVerifier
	discounts map[string]int
	currency  string
	log       *zap.Logger
	now       func() time.Time
}

type Deps struct {
	Repo      RepoInterface
	Prices    Repricer
	Addresses shipping.AddressLookup
	Rates     shipping.RateService
	Orders    OrderCreator
	Verifier  SignatureVerifier
	// Discounts maps an upper-case code to a percentage off the subtotal.
	Discounts map[string]int
	Currency  string
	Log       *zap.Logger
}

func NewCheckoutService(d Deps) *CheckoutServiceImpl {
	discounts := make(map[string]int, len(d.Discounts))
	for code, pct := range d.Discounts {
		discounts[strings.ToUpper(code)] = pct
	}
	currency := d.Currency
	if currency == "" {
		currency = "USD"
	}
	return &CheckoutServiceImpl{
		repo:      d.Repo,
		prices:    d.Prices,
		addresses: d.Addresses,
		rates:     d.Rates,
		orders:    d.Orders,
		verifier:  d.Verifier,
		discounts: discounts,
		currency:  currency,
		log:       d.Log,
		now:       time.Now,
	}
}

// Discount returns the percentage for code. The empty code is 0%.
func (s *CheckoutServiceImpl) Discount(_ context.Context, code string) (int, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return 0, nil
	}
	pct, ok := s.discounts[code]
	if !ok {
		return 0, ErrInvalidDiscount
	}
	return pct, nil
}
