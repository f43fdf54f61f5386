package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/gateway"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const verifyTimeout = 30 * time.Second

// PlaceOrder creates the backend order and opens the payment page. The
// outcome arrives asynchronously; follow it through Snapshot. Calling it
// while a payment is in flight is a no-op.
func (o *Orchestrator) PlaceOrder(ctx context.Context) (View, error) {
	o.mu.Lock()
	if o.state.PaymentPending() {
		v := o.viewLocked()
		o.mu.Unlock()
		return v, nil
	}
	o.settleLocked()
	if ok, reason := o.canPlaceLocked(); !ok {
		o.lastErr = &CheckoutError{Reason: reason, NextStep: blockedStep(o.state)}
		v := o.viewLocked()
		o.mu.Unlock()
		return v, o.lastErr
	}

	c := o.activeCartLocked()
	if !o.guard.Acquire(c.ID, o.id.SessionID) {
		o.lastErr = toCheckoutError("", ErrCartLocked)
		v := o.viewLocked()
		o.mu.Unlock()
		return v, o.lastErr
	}
	o.heldCart = c.ID
	o.moveLocked(domain.StatePaymentInFlight)
	o.lastErr = nil

	var stale *pendingOrder
	fp := o.fingerprintLocked(c)
	pend := o.pending
	if pend != nil && pend.fingerprint != fp {
		stale, pend = pend, nil
		o.pending = nil
	}
	var req checkoutsvc.CreateRequest
	if pend == nil {
		req = checkoutsvc.CreateRequest{
			IdempotencyKey:    uuid.NewString(),
			OwnerID:           o.id.owner(),
			UserID:            o.id.UserID,
			CartID:            c.ID,
			Lines:             c.Lines,
			ShippingAddressID: o.shipTo.ID,
			BillingAddressID:  o.billingLocked().ID,
			CarrierID:         o.quoter.Snapshot().Selected,
			DiscountCode:      o.discountCode,
		}
	}
	prefill := gateway.Prefill{Name: o.shipTo.Name, Phone: o.shipTo.Phone}
	o.mu.Unlock()

	o.abandonOrder(ctx, stale)

	if err := o.waitForGateway(ctx); err != nil {
		return o.abortPayment(&CheckoutError{Reason: "the payment page failed to load", NextStep: NextRetry, Err: err})
	}

	if pend == nil {
		order, err := o.backend.CreateCheckout(ctx, req)
		if err != nil {
			return o.abortPayment(toCheckoutError("the order could not be created", err))
		}
		if order.Status != domain.CheckoutStatusPaymentPending {
			return o.abortPayment(&CheckoutError{
				Reason:    "the order is no longer payable",
				NextStep:  NextRetry,
				Reference: order.CheckoutID,
				Err:       checkoutsvc.IllegalTransitionError,
			})
		}
		pend = &pendingOrder{
			checkoutID:  order.CheckoutID,
			cartID:      req.CartID,
			fingerprint: fp,
			totals:      order.Totals,
			session: gateway.PaymentSession{
				OrderRef:    order.GatewayOrderRef,
				Amount:      order.Totals.Total,
				Currency:    order.Totals.Currency,
				Description: "Order " + order.CheckoutID,
				Prefill:     prefill,
			},
		}
		o.log.Info("order created",
			zap.String("checkout_id", order.CheckoutID),
			zap.String("gateway_order_ref", order.GatewayOrderRef),
			zap.String("total", order.Totals.Total.String()),
			zap.Int("price_changes", len(order.PriceChanges)))

		o.mu.Lock()
		o.pending = pend
		o.mu.Unlock()
	}
	return o.open(pend)
}

// Retry reopens the payment page for the cancelled order. No new backend
// order is created.
func (o *Orchestrator) Retry(ctx context.Context) (View, error) {
	o.mu.Lock()
	if o.state != domain.StateCancelled || o.pending == nil {
		o.mu.Unlock()
		return o.Snapshot(), &CheckoutError{Reason: "there is no cancelled payment to retry", NextStep: NextRetry, Err: ErrNothingToRetry}
	}
	pend := o.pending
	o.moveLocked(domain.StatePaymentInFlight)
	o.lastErr = nil
	o.mu.Unlock()

	if err := o.waitForGateway(ctx); err != nil {
		return o.abortPayment(&CheckoutError{Reason: "the payment page failed to load", NextStep: NextRetry, Err: err})
	}
	return o.open(pend)
}

// Abandon discards the pending order and returns to Ready. A buy-now cart
// is discarded with it and checkout continues with the persistent cart.
func (o *Orchestrator) Abandon(ctx context.Context) (View, error) {
	o.mu.Lock()
	if o.pending == nil || (o.state != domain.StateCancelled && o.state != domain.StateReady) {
		o.mu.Unlock()
		return o.Snapshot(), &CheckoutError{Reason: "there is no payment to abandon", NextStep: NextRetry, Err: ErrNothingToRetry}
	}
	stale := o.pending
	o.pending = nil
	o.releaseLocked()
	o.moveLocked(domain.StateReady)
	o.lastErr = nil
	wasBuyNow := o.buyNow != nil
	o.buyNow = nil
	shipTo := o.shipTo
	o.mu.Unlock()

	o.abandonOrder(ctx, stale)

	if wasBuyNow && shipTo != nil {
		// The quotes were for the temporary cart.
		return o.shipToAddress(ctx, shipTo)
	}
	return o.Snapshot(), nil
}

func (o *Orchestrator) waitForGateway(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()
	return o.gateway.WaitUntilReady(ctx)
}

// open starts a payment attempt on pend. Results are processed by a
// watcher tied to the session, not to the caller's request.
func (o *Orchestrator) open(pend *pendingOrder) (View, error) {
	o.mu.Lock()
	if o.closed || o.state != domain.StatePaymentInFlight || o.pending != pend {
		o.mu.Unlock()
		return o.Snapshot(), ErrClosed
	}
	if pend.cancel != nil {
		pend.cancel()
	}
	o.attempts++
	attempt := o.attempts
	pend.attempt = attempt
	ctx, cancel := context.WithCancel(o.ctx)
	pend.cancel = cancel
	session := pend.session
	o.mu.Unlock()

	results, err := o.gateway.Open(ctx, session)
	if err != nil {
		cancel()
		return o.abortPayment(&CheckoutError{Reason: "the payment page could not be opened", NextStep: NextRetry, Err: err})
	}
	o.log.Info("payment opened",
		zap.String("checkout_id", pend.checkoutID),
		zap.String("gateway_order_ref", session.OrderRef),
		zap.Int("attempt", attempt))

	go o.watch(pend, attempt, results)
	return o.Snapshot(), nil
}

// abortPayment returns from PaymentInFlight to Ready. A created order is
// kept so the next attempt can reuse it.
func (o *Orchestrator) abortPayment(e *CheckoutError) (View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == domain.StatePaymentInFlight {
		o.moveLocked(domain.StateReady)
		o.releaseLocked()
		o.settleLocked()
	}
	o.lastErr = e
	o.log.Warn("payment not started", zap.String("reason", e.Reason), zap.Error(e.Err))
	return o.viewLocked(), e
}

func (o *Orchestrator) current(pend *pendingOrder, attempt int) bool {
	return o.pending == pend && pend.attempt == attempt
}

func (o *Orchestrator) watch(pend *pendingOrder, attempt int, results <-chan gateway.Result) {
	res, ok := <-results
	if !ok {
		return
	}
	switch r := res.(type) {
	case gateway.Success:
		o.verify(pend, attempt, r)
	case gateway.Dismissed:
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.current(pend, attempt) || !o.moveLocked(domain.StateCancelled) {
			return
		}
		pend.cancel()
		o.lastErr = &CheckoutError{Reason: "the payment was cancelled", NextStep: NextRetryOrAbandon, Reference: pend.session.OrderRef}
		o.log.Info("payment dismissed", zap.String("checkout_id", pend.checkoutID))
	case gateway.Declined:
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.current(pend, attempt) || !o.moveLocked(domain.StateReady) {
			return
		}
		pend.cancel()
		o.releaseLocked()
		o.lastErr = &CheckoutError{Reason: "the payment was declined: " + r.Reason, NextStep: NextRetry}
		o.log.Info("payment declined", zap.String("checkout_id", pend.checkoutID), zap.String("reason", r.Reason))
	}
}

// verify asks the backend to confirm the gateway's signature. A rejection
// is final: money may have moved, so the buyer is sent to support.
func (o *Orchestrator) verify(pend *pendingOrder, attempt int, s gateway.Success) {
	o.mu.Lock()
	if !o.current(pend, attempt) || !o.moveLocked(domain.StateVerifying) {
		o.mu.Unlock()
		o.log.Warn("payment success for a stale attempt",
			zap.String("checkout_id", pend.checkoutID), zap.String("transaction_id", s.TransactionID))
		return
	}
	pend.cancel()
	o.mu.Unlock()

	// Verification outlives a session closed mid-flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), verifyTimeout)
	defer cancel()
	v, err := o.backend.Verify(ctx, checkoutsvc.VerifyRequest{
		CheckoutID:      pend.checkoutID,
		GatewayOrderRef: s.OrderRef,
		TransactionID:   s.TransactionID,
		Signature:       s.Signature,
	})
	if err != nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.moveLocked(domain.StateFailed)
		o.pending = nil
		o.releaseLocked()
		reason := "the payment could not be verified"
		if !errors.Is(err, checkoutsvc.ErrVerificationFailed) {
			reason = "the payment verification did not complete"
		}
		o.lastErr = &CheckoutError{Reason: reason, NextStep: NextContactSupport, Reference: s.TransactionID, Err: err}
		o.log.Error("payment verification failed",
			zap.String("checkout_id", pend.checkoutID),
			zap.String("transaction_id", s.TransactionID),
			zap.Error(err))
		return
	}
	o.finish(ctx, pend, v)
}

// finish clears what the order consumed, then enters Succeeded so a
// Succeeded view never shows the purchased cart.
func (o *Orchestrator) finish(ctx context.Context, pend *pendingOrder, v *checkoutsvc.Verification) {
	o.mu.Lock()
	buyNow := o.buyNow != nil
	o.mu.Unlock()

	if !buyNow {
		if _, err := o.carts.Reset(ctx); err != nil {
			// The completion event retires the server cart as well.
			o.log.Warn("failed to reset cart after order", zap.String("checkout_id", pend.checkoutID), zap.Error(err))
		}
	}
	o.quoter.Reset()
	for _, r := range o.reloaders {
		if err := r.Reload(ctx); err != nil {
			o.log.Warn("reload after order failed", zap.Error(err))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.moveLocked(domain.StateSucceeded)
	o.pending = nil
	o.buyNow = nil
	o.discountCode = ""
	o.discountPct = 0
	o.releaseLocked()
	o.lastErr = nil
	o.confirmation = &Confirmation{CheckoutID: v.CheckoutID, TransactionID: v.TransactionID, Totals: pend.totals}
	o.log.Info("checkout succeeded",
		zap.String("checkout_id", v.CheckoutID),
		zap.String("transaction_id", v.TransactionID),
		zap.Bool("buy_now", buyNow))
}

func blockedStep(state domain.CheckoutState) NextStep {
	switch state {
	case domain.StateAddressPending:
		return NextChooseAddress
	case domain.StateShippingPending:
		return NextChooseCarrier
	case domain.StateCancelled:
		return NextRetryOrAbandon
	}
	return NextRetry
}
