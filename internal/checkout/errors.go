package checkout

import (
	"errors"
	"fmt"

	"github.com/fjod/go_storefront/internal/address"
	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/shipping"
)

var (
	ErrPaymentPending = errors.New("a payment is pending for this checkout")
	ErrCartLocked     = errors.New("another session is paying for this cart")
	ErrNothingToRetry = errors.New("no cancelled payment to retry")
	ErrNotStarted     = errors.New("checkout has not been started")
	ErrClosed         = errors.New("checkout session is closed")
)

// NextStep is the action offered to the buyer after a failure.
type NextStep string

const (
	NextRetry          NextStep = "retry"
	NextRetryOrAbandon NextStep = "retry or abandon the payment"
	NextChooseAddress  NextStep = "choose another address"
	NextFixAddress     NextStep = "correct the address"
	NextChooseCarrier  NextStep = "choose another carrier"
	NextCheckDiscount  NextStep = "check the discount code"
	NextAddItems       NextStep = "add items to the cart"
	NextWait           NextStep = "wait for the other payment to finish"
	NextContactSupport NextStep = "contact support"
)

// CheckoutError is a failure the buyer can act on. Reference is quoted to
// support; for verification failures it is the gateway transaction id.
type CheckoutError struct {
	Reason    string            `json:"reason"`
	NextStep  NextStep          `json:"next_step"`
	Reference string            `json:"reference,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Err       error             `json:"-"`
}

func (e *CheckoutError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("%s, %s with reference %s", e.Reason, e.NextStep, e.Reference)
	}
	return fmt.Sprintf("%s, %s", e.Reason, e.NextStep)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// toCheckoutError converts a collaborator failure into something the buyer
// can act on.
func toCheckoutError(reason string, err error) *CheckoutError {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce
	}
	e := &CheckoutError{Reason: reason, NextStep: NextRetry, Err: err}

	var verr *address.ValidationError
	switch {
	case errors.As(err, &verr):
		e.Reason = "the address is incomplete or invalid"
		e.NextStep = NextFixAddress
		e.Fields = verr.Fields
	case errors.Is(err, ErrCartLocked):
		e.Reason = "a payment for this cart is already in progress"
		e.NextStep = NextWait
	case errors.Is(err, checkoutsvc.ErrEmptyCart):
		e.Reason = "the cart is empty"
		e.NextStep = NextAddItems
	case errors.Is(err, checkoutsvc.ErrAddressNotFound), errors.Is(err, address.ErrAddressNotFound):
		e.Reason = "the address could not be found"
		e.NextStep = NextChooseAddress
	case errors.Is(err, address.ErrTooManyAddresses):
		e.Reason = "the address book is full"
		e.NextStep = NextChooseAddress
	case errors.Is(err, checkoutsvc.ErrCarrierUnavailable),
		errors.Is(err, shipping.ErrCarrierUnavailable),
		errors.Is(err, shipping.ErrUnknownCarrier):
		e.Reason = "the selected carrier cannot ship this order"
		e.NextStep = NextChooseCarrier
	case errors.Is(err, shipping.ErrQuotesNotReady):
		e.Reason = "shipping rates are not available yet"
		e.NextStep = NextChooseAddress
	case errors.Is(err, checkoutsvc.ErrInvalidDiscount):
		e.Reason = "the discount code is not valid"
		e.NextStep = NextCheckDiscount
	}
	return e
}
