package checkout

import (
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/gateway"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/shopspring/decimal"
)

// View is a consistent snapshot of one checkout.
type View struct {
	State           domain.CheckoutState `json:"state"`
	Cart            *domain.Cart         `json:"cart"`
	BuyNow          bool                 `json:"buy_now"`
	ShippingAddress *domain.Address      `json:"shipping_address,omitempty"`
	BillingAddress  *domain.Address      `json:"billing_address,omitempty"`
	Shipping        shipping.Snapshot    `json:"shipping"`
	Totals          *domain.Totals       `json:"totals,omitempty"`
	DiscountCode    string               `json:"discount_code,omitempty"`
	CanPlaceOrder   bool                 `json:"can_place_order"`
	BlockedReason   string               `json:"blocked_reason,omitempty"`
	Payment         *Payment             `json:"payment,omitempty"`
	Confirmation    *Confirmation        `json:"confirmation,omitempty"`
	Error           *CheckoutError       `json:"error,omitempty"`
}

// Payment is the open gateway order the buyer is paying.
type Payment struct {
	CheckoutID string                 `json:"checkout_id"`
	Session    gateway.PaymentSession `json:"session"`
	Attempt    int                    `json:"attempt"`
}

// Snapshot re-derives the pre-payment state from the current cart and
// quotes before returning the view.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started && !o.closed {
		o.settleLocked()
	}
	return o.viewLocked()
}

func (o *Orchestrator) viewLocked() View {
	c := o.activeCartLocked()
	snap := o.quoter.Snapshot()
	can, reason := o.canPlaceLocked()
	v := View{
		State:           o.state,
		Cart:            c,
		BuyNow:          o.buyNow != nil,
		ShippingAddress: o.shipTo,
		BillingAddress:  o.billingLocked(),
		Shipping:        snap,
		DiscountCode:    o.discountCode,
		CanPlaceOrder:   can,
		BlockedReason:   reason,
		Confirmation:    o.confirmation,
		Error:           o.lastErr,
	}
	if o.pending != nil {
		totals := o.pending.totals
		v.Totals = &totals
		v.Payment = &Payment{CheckoutID: o.pending.checkoutID, Session: o.pending.session, Attempt: o.pending.attempt}
	} else if c != nil {
		totals := o.totalsLocked(c, snap)
		v.Totals = &totals
	}
	return v
}

func (o *Orchestrator) totalsLocked(c *domain.Cart, snap shipping.Snapshot) domain.Totals {
	currency := o.currency
	amount := decimal.Zero
	if q, ok := snap.SelectedQuote(); ok {
		amount = q.Amount
		if q.Currency != "" {
			currency = q.Currency
		}
	}
	return domain.ComputeTotals(c.Lines, amount, o.discountPct, currency)
}

// billingLocked defaults to the shipping address.
func (o *Orchestrator) billingLocked() *domain.Address {
	if o.billTo != nil {
		return o.billTo
	}
	return o.shipTo
}
