// Package gateway is the hosted payment gateway: orders, payment sessions
// resolved by HTTP callbacks, and the signatures that prove a payment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownOrder    = errors.New("unknown gateway order")
	ErrSessionActive   = errors.New("a payment session is already open for this order")
	ErrNoSession       = errors.New("no payment session is open for this order")
	ErrOrderPaid       = errors.New("gateway order already paid")
	ErrUnknownOutcome  = errors.New("unknown payment outcome")
	ErrGatewayNotReady = errors.New("payment gateway is not ready")
)

// Result is what a payment session ends with: Success, Dismissed or Declined.
type Result interface {
	isResult()
}

type Success struct {
	OrderRef      string `json:"order_ref"`
	TransactionID string `json:"transaction_id"`
	Signature     string `json:"signature"`
}

// Dismissed means the buyer closed the payment dialog.
type Dismissed struct{}

type Declined struct {
	Reason string `json:"reason"`
}

func (Success) isResult()   {}
func (Dismissed) isResult() {}
func (Declined) isResult()  {}

type Prefill struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// PaymentSession is what the storefront hands to the gateway to collect payment.
type PaymentSession struct {
	KeyID       string          `json:"key_id"`
	OrderRef    string          `json:"order_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Prefill     Prefill         `json:"prefill"`
}

type OrderStatus string

const (
	OrderCreated OrderStatus = "created"
	OrderPaid    OrderStatus = "paid"
)

type Order struct {
	Ref       string          `json:"ref"`
	Receipt   string          `json:"receipt"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    OrderStatus     `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outcome is a callback from the hosted payment page.
type Outcome struct {
	Kind   string `json:"outcome"` // success, dismissed or declined
	Reason string `json:"reason,omitempty"`
}

type Registry struct {
	signer *Signer
	log    *zap.Logger

	mu      sync.Mutex
	ready   bool
	orders  map[string]*Order
	pending map[string]chan Result
}

func NewRegistry(signer *Signer, log *zap.Logger) *Registry {
	return &Registry{
		signer:  signer,
		log:     log,
		ready:   true,
		orders:  make(map[string]*Order),
		pending: make(map[string]chan Result),
	}
}

// SetReady toggles the readiness endpoint.
func (r *Registry) SetReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
}

func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// CreateOrder registers an amount to collect and returns its reference.
func (r *Registry) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("gateway order amount must be positive, got %s", amount)
	}
	ref := "order_" + uuid.NewString()

	r.mu.Lock()
	r.orders[ref] = &Order{
		Ref:       ref,
		Receipt:   receipt,
		Amount:    amount,
		Currency:  currency,
		Status:    OrderCreated,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	r.log.Info("gateway order created", zap.String("order_ref", ref), zap.String("receipt", receipt),
		zap.String("amount", amount.String()), zap.String("currency", currency))
	return ref, nil
}

func (r *Registry) Order(ref string) (Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[ref]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open starts a payment session. The returned channel yields exactly one
// Result; it is closed without a value when ctx ends first.
func (r *Registry) Open(ctx context.Context, s PaymentSession) (<-chan Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[s.OrderRef]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if o.Status == OrderPaid {
		return nil, ErrOrderPaid
	}
	if _, busy := r.pending[s.OrderRef]; busy {
		return nil, ErrSessionActive
	}
	if !s.Amount.Equal(o.Amount) || s.Currency != o.Currency {
		return nil, fmt.Errorf("payment session does not match order %s", s.OrderRef)
	}

	ch := make(chan Result, 1)
	r.pending[s.OrderRef] = ch
	o.Attempts++

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending[s.OrderRef] == ch {
			delete(r.pending, s.OrderRef)
			close(ch)
		}
	}()

	r.log.Info("payment session opened", zap.String("order_ref", s.OrderRef), zap.Int("attempt", o.Attempts))
	return ch, nil
}

// Resolve delivers the hosted page's outcome to the open session.
func (r *Registry) Resolve(ref string, outcome Outcome) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[ref]
	if !ok {
		return nil, ErrUnknownOrder
	}
	ch, ok := r.pending[ref]
	if !ok {
		return nil, ErrNoSession
	}

	var res Result
	switch outcome.Kind {
	case "success":
		txID := "pay_" + uuid.NewString()
		res = Success{OrderRef: ref, TransactionID: txID, Signature: r.signer.Sign(ref, txID)}
		o.Status = OrderPaid
	case "dismissed":
		res = Dismissed{}
	case "declined":
		reason := outcome.Reason
		if reason == "" {
			reason = "payment declined by issuer"
		}
		res = Declined{Reason: reason}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome.Kind)
	}

	delete(r.pending, ref)
	ch <- res
	close(ch)

	r.log.Info("payment session resolved", zap.String("order_ref", ref), zap.String("outcome", outcome.Kind))
	return res, nil
}
