// Package checkout drives one buyer's checkout: address, shipping, payment
// through the hosted gateway, verification and cart clearing.
package checkout

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_storefront/internal/address"
	"github.com/fjod/go_storefront/internal/checkoutsvc"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/gateway"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultReadyTimeout = 10 * time.Second

// Backend is the checkout and payment-verification service.
type Backend interface {
	CreateCheckout(ctx context.Context, req checkoutsvc.CreateRequest) (*checkoutsvc.Order, error)
	Verify(ctx context.Context, req checkoutsvc.VerifyRequest) (*checkoutsvc.Verification, error)
	Abandon(ctx context.Context, checkoutID string) error
	Discount(ctx context.Context, code string) (int, error)
}

// Gateway is the hosted payment page as seen from the storefront.
type Gateway interface {
	WaitUntilReady(ctx context.Context) error
	Open(ctx context.Context, s gateway.PaymentSession) (<-chan gateway.Result, error)
}

type Addresses interface {
	List(ctx context.Context, ownerID string) ([]domain.Address, error)
	Get(ctx context.Context, ownerID, id string) (*domain.Address, error)
	Add(ctx context.Context, ownerID string, form domain.Address) (*domain.Address, error)
	AddGuest(ctx context.Context, sessionID string, form domain.Address) (*domain.Address, error)
}

// CartSource is the session's persistent cart. *cart.Store satisfies it.
type CartSource interface {
	Snapshot() *domain.Cart
	Refresh(ctx context.Context) (*domain.Cart, error)
	Reset(ctx context.Context) (*domain.Cart, error)
}

// Reloader refreshes state that depends on a finished order.
type Reloader interface {
	Reload(ctx context.Context) error
}

type ReloadFunc func(ctx context.Context) error

func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// Identity names the buyer. UserID is empty for guests.
type Identity struct {
	SessionID string
	UserID    string
}

func (id Identity) owner() string {
	if id.UserID != "" {
		return id.UserID
	}
	return address.GuestOwner(id.SessionID)
}

type Deps struct {
	Backend   Backend
	Gateway   Gateway
	Addresses Addresses
	Rates     shipping.RateService
	Guard     *Guard
	Reloaders []Reloader
	Currency  string
	// ReadyTimeout bounds the wait for the payment page to load.
	ReadyTimeout time.Duration
	Log          *zap.Logger
}

// Confirmation is what a successful checkout leaves behind.
type Confirmation struct {
	CheckoutID    string        `json:"checkout_id"`
	TransactionID string        `json:"transaction_id"`
	Totals        domain.Totals `json:"totals"`
}

type pendingOrder struct {
	checkoutID  string
	cartID      string
	fingerprint string
	totals      domain.Totals
	session     gateway.PaymentSession
	attempt     int
	cancel      context.CancelFunc
}

// Orchestrator is the checkout state machine for one session. Methods are
// safe for concurrent use; network calls run without the lock held.
type Orchestrator struct {
	id           Identity
	carts        CartSource
	quoter       *shipping.Quoter
	backend      Backend
	gateway      Gateway
	addresses    Addresses
	guard        *Guard
	reloaders    []Reloader
	currency     string
	readyTimeout time.Duration
	log          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	started      bool
	closed       bool
	state        domain.CheckoutState
	shipTo       *domain.Address
	billTo       *domain.Address
	discountCode string
	discountPct  int
	buyNow       *domain.Cart
	pending      *pendingOrder
	attempts     int
	heldCart     string
	lastErr      *CheckoutError
	confirmation *Confirmation
}

func New(d Deps, id Identity, carts CartSource) *Orchestrator {
	timeout := d.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	currency := d.Currency
	if currency == "" {
		currency = "USD"
	}
	guard := d.Guard
	if guard == nil {
		guard = NewGuard()
	}
	log := d.Log.With(zap.String("session_id", id.SessionID))
	if id.UserID != "" {
		log = log.With(zap.String("user_id", id.UserID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		id:           id,
		carts:        carts,
		quoter:       shipping.NewQuoter(d.Rates, log),
		backend:      d.Backend,
		gateway:      d.Gateway,
		addresses:    d.Addresses,
		guard:        guard,
		reloaders:    d.Reloaders,
		currency:     currency,
		readyTimeout: timeout,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		state:        domain.StateAddressPending,
	}
}

// Begin starts a checkout of the persistent cart. A user's default address
// is preselected.
func (o *Orchestrator) Begin(ctx context.Context) (View, error) {
	if err := o.beginCheck(); err != nil {
		return o.Snapshot(), err
	}
	if _, err := o.carts.Refresh(ctx); err != nil {
		return o.Snapshot(), toCheckoutError("the cart could not be loaded", err)
	}

	stale := o.restart(nil)
	o.abandonOrder(ctx, stale)
	o.log.Info("checkout started")

	if o.id.UserID != "" {
		if def := o.defaultAddress(ctx); def != "" {
			if v, err := o.SelectAddress(ctx, def); err == nil {
				return v, nil
			}
		}
	}
	return o.Snapshot(), nil
}

// BeginBuyNow starts a checkout of a single line in a temporary cart. The
// persistent cart is not read or modified.
func (o *Orchestrator) BeginBuyNow(ctx context.Context, line domain.CartLine, qty int) (View, error) {
	if qty < 1 {
		return o.Snapshot(), toCheckoutError("quantity must be at least 1", domain.ErrInvalidQuantity)
	}
	line.Quantity = qty
	if err := line.Validate(); err != nil {
		return o.Snapshot(), toCheckoutError("the item cannot be bought", err)
	}
	if err := o.beginCheck(); err != nil {
		return o.Snapshot(), err
	}
	line.ID = uuid.NewString()
	line.AddedAt = time.Now()
	tmp := &domain.Cart{
		ID:        "buynow-" + uuid.NewString(),
		Kind:      domain.CartGuest,
		UserID:    o.id.UserID,
		Lines:     []domain.CartLine{line},
		CreatedAt: line.AddedAt,
		UpdatedAt: line.AddedAt,
	}

	o.mu.Lock()
	shipTo := o.shipTo
	o.mu.Unlock()

	stale := o.restart(tmp)
	o.abandonOrder(ctx, stale)
	o.log.Info("buy-now checkout started", zap.String("cart_id", tmp.ID), zap.String("key", string(line.Key())))

	if shipTo != nil {
		return o.SelectAddress(ctx, shipTo.ID)
	}
	return o.Snapshot(), nil
}

func (o *Orchestrator) beginCheck() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.state.PaymentPending() || o.state == domain.StateCancelled {
		return &CheckoutError{Reason: "a payment is pending for this checkout", NextStep: NextRetryOrAbandon, Err: ErrPaymentPending}
	}
	return nil
}

// restart resets the session to AddressPending and returns the pending
// order it dropped, if any.
func (o *Orchestrator) restart(buyNow *domain.Cart) *pendingOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	stale := o.pending
	o.pending = nil
	o.releaseLocked()
	o.started = true
	o.state = domain.StateAddressPending
	o.shipTo = nil
	o.billTo = nil
	o.discountCode = ""
	o.discountPct = 0
	o.buyNow = buyNow
	o.lastErr = nil
	o.confirmation = nil
	o.quoter.Reset()
	return stale
}

func (o *Orchestrator) defaultAddress(ctx context.Context) string {
	list, err := o.addresses.List(ctx, o.id.owner())
	if err != nil {
		o.log.Warn("failed to list addresses", zap.Error(err))
		return ""
	}
	for _, a := range list {
		if a.IsDefault {
			return a.ID
		}
	}
	return ""
}

// SelectAddress ships to a persisted address and re-quotes shipping.
func (o *Orchestrator) SelectAddress(ctx context.Context, addressID string) (View, error) {
	if err := o.editable(); err != nil {
		return o.Snapshot(), err
	}
	a, err := o.addresses.Get(ctx, o.id.owner(), addressID)
	if err != nil {
		return o.Snapshot(), o.recordErr(toCheckoutError("the address could not be loaded", err))
	}
	return o.shipToAddress(ctx, a)
}

// SubmitGuestAddress validates form fields and registers them so they can
// be quoted. Signed-in buyers get the address saved to their address book.
func (o *Orchestrator) SubmitGuestAddress(ctx context.Context, form domain.Address) (View, error) {
	if err := o.editable(); err != nil {
		return o.Snapshot(), err
	}
	var (
		a   *domain.Address
		err error
	)
	if o.id.UserID != "" {
		a, err = o.addresses.Add(ctx, o.id.UserID, form)
	} else {
		a, err = o.addresses.AddGuest(ctx, o.id.SessionID, form)
	}
	if err != nil {
		return o.Snapshot(), o.recordErr(toCheckoutError("the address could not be saved", err))
	}
	return o.shipToAddress(ctx, a)
}

func (o *Orchestrator) shipToAddress(ctx context.Context, a *domain.Address) (View, error) {
	o.mu.Lock()
	if err := o.editableLocked(); err != nil {
		o.mu.Unlock()
		return o.Snapshot(), err
	}
	o.shipTo = a
	o.lastErr = nil
	o.quoter.Invalidate()
	o.moveLocked(domain.StateShippingPending)
	req := o.rateRequestLocked()
	o.mu.Unlock()

	snap := o.quoter.Quote(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !snap.Stale {
		o.settleLocked()
	}
	if snap.State == shipping.StateFailed {
		o.lastErr = &CheckoutError{Reason: "shipping rates could not be loaded", NextStep: NextRetry}
	}
	return o.viewLocked(), nil
}

// Requote fetches fresh shipping rates for the current address.
func (o *Orchestrator) Requote(ctx context.Context) (View, error) {
	o.mu.Lock()
	a := o.shipTo
	o.mu.Unlock()
	if a == nil {
		return o.Snapshot(), o.recordErr(&CheckoutError{Reason: "no shipping address", NextStep: NextChooseAddress, Err: shipping.ErrAddressMissing})
	}
	if err := o.editable(); err != nil {
		return o.Snapshot(), err
	}
	return o.shipToAddress(ctx, a)
}

// SetBillingAddress bills a persisted address other than the shipping one.
func (o *Orchestrator) SetBillingAddress(ctx context.Context, addressID string) (View, error) {
	if err := o.editable(); err != nil {
		return o.Snapshot(), err
	}
	a, err := o.addresses.Get(ctx, o.id.owner(), addressID)
	if err != nil {
		return o.Snapshot(), o.recordErr(toCheckoutError("the billing address could not be loaded", err))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.editableLocked(); err != nil {
		return o.viewLocked(), err
	}
	o.billTo = a
	return o.viewLocked(), nil
}

func (o *Orchestrator) SelectCarrier(carrierID string) (View, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.editableLocked(); err != nil {
		return o.viewLocked(), err
	}
	if _, err := o.quoter.Select(carrierID); err != nil {
		o.lastErr = toCheckoutError("the carrier cannot be selected", err)
		return o.viewLocked(), o.lastErr
	}
	o.lastErr = nil
	o.settleLocked()
	return o.viewLocked(), nil
}

// ApplyDiscount sets a discount code. The empty code removes it.
func (o *Orchestrator) ApplyDiscount(ctx context.Context, code string) (View, error) {
	if err := o.editable(); err != nil {
		return o.Snapshot(), err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	pct, err := o.backend.Discount(ctx, code)
	if err != nil {
		return o.Snapshot(), o.recordErr(toCheckoutError("the discount code was rejected", err))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.editableLocked(); err != nil {
		return o.viewLocked(), err
	}
	o.discountCode = code
	o.discountPct = pct
	o.lastErr = nil
	return o.viewLocked(), nil
}

// CanPlaceOrder reports whether PlaceOrder would start a payment, and why
// not otherwise.
func (o *Orchestrator) CanPlaceOrder() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canPlaceLocked()
}

func (o *Orchestrator) canPlaceLocked() (bool, string) {
	switch {
	case o.closed:
		return false, "checkout session is closed"
	case !o.started:
		return false, "checkout has not been started"
	case o.state.PaymentPending():
		return false, "a payment is already in progress"
	case o.state == domain.StateCancelled:
		return false, "retry or abandon the cancelled payment"
	case o.state.IsTerminal():
		return false, "checkout is finished"
	}
	c := o.activeCartLocked()
	if c == nil || c.IsEmpty() {
		return false, "cart is empty"
	}
	if o.shipTo == nil {
		return false, "no shipping address"
	}
	snap := o.quoter.Snapshot()
	switch snap.State {
	case shipping.StateNoShipping:
		return false, shipping.NoShippingMessage
	case shipping.StateLoading:
		return false, "shipping rates are loading"
	case shipping.StateFailed:
		return false, "shipping rates could not be loaded"
	case shipping.StateAddressRequired:
		return false, "no shipping address"
	}
	if snap.Selected == "" {
		return false, "no shipping carrier selected"
	}
	if _, ok := snap.SelectedQuote(); !ok {
		return false, "selected carrier cannot ship to this address"
	}
	return true, ""
}

// Close ends the session: an unpaid order is abandoned and a temporary
// cart discarded. The persistent cart is left as it is.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	var stale *pendingOrder
	if o.state != domain.StateVerifying && o.state != domain.StateSucceeded {
		stale = o.pending
	}
	o.pending = nil
	o.buyNow = nil
	o.releaseLocked()
	o.mu.Unlock()

	o.cancel()
	o.abandonOrder(ctx, stale)
	o.log.Info("checkout session closed")
}

func (o *Orchestrator) editable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.editableLocked()
}

func (o *Orchestrator) editableLocked() error {
	switch {
	case o.closed:
		return ErrClosed
	case !o.started || o.state.IsTerminal():
		return &CheckoutError{Reason: "checkout has not been started", NextStep: NextRetry, Err: ErrNotStarted}
	case o.state.PaymentPending(), o.state == domain.StateCancelled:
		return &CheckoutError{Reason: "a payment is pending for this checkout", NextStep: NextRetryOrAbandon, Err: ErrPaymentPending}
	}
	return nil
}

func (o *Orchestrator) recordErr(e *CheckoutError) *CheckoutError {
	o.mu.Lock()
	o.lastErr = e
	o.mu.Unlock()
	return e
}

// activeCartLocked is the temporary buy-now cart when there is one, the
// persistent cart otherwise.
func (o *Orchestrator) activeCartLocked() *domain.Cart {
	if o.buyNow != nil {
		return o.buyNow.Clone()
	}
	return o.carts.Snapshot()
}

func (o *Orchestrator) rateRequestLocked() shipping.RateRequest {
	req := shipping.RateRequest{OwnerID: o.id.owner(), Subtotal: decimal.Zero}
	if o.shipTo != nil {
		req.AddressID = o.shipTo.ID
	}
	if c := o.activeCartLocked(); c != nil {
		req.CartID = c.ID
		req.Items = c.ItemCount()
		req.Subtotal = c.Subtotal()
	}
	return req
}

// settleLocked moves between the pre-payment states according to what is
// currently known.
func (o *Orchestrator) settleLocked() {
	if o.state.PaymentPending() || o.state == domain.StateCancelled || o.state.IsTerminal() {
		return
	}
	target := domain.StateReady
	if o.shipTo == nil {
		target = domain.StateAddressPending
	} else if ok, _ := o.canPlaceLocked(); !ok {
		target = domain.StateShippingPending
	}
	if o.state == domain.StateAddressPending && target == domain.StateReady {
		o.moveLocked(domain.StateShippingPending)
	}
	o.moveLocked(target)
}

// moveLocked applies a transition allowed by the state table. Staying in
// the same state is a no-op.
func (o *Orchestrator) moveLocked(next domain.CheckoutState) bool {
	if o.state == next {
		return true
	}
	if !o.state.CanTransitionTo(next) {
		o.log.Error("illegal checkout transition",
			zap.String("from", o.state.String()), zap.String("to", next.String()))
		return false
	}
	o.log.Info("checkout state changed",
		zap.String("from", o.state.String()), zap.String("to", next.String()))
	o.state = next
	return true
}

func (o *Orchestrator) releaseLocked() {
	if o.heldCart != "" {
		o.guard.Release(o.heldCart, o.id.SessionID)
		o.heldCart = ""
	}
}

// fingerprintLocked identifies what an order was created for. An order is
// reused only while the fingerprint is unchanged.
func (o *Orchestrator) fingerprintLocked(c *domain.Cart) string {
	snap := o.quoter.Snapshot()
	billing := ""
	if o.billTo != nil {
		billing = o.billTo.ID
	}
	return strings.Join([]string{
		c.ID,
		strconv.FormatInt(c.Version, 10),
		o.shipTo.ID,
		billing,
		snap.Selected,
		o.discountCode,
	}, "|")
}

// abandonOrder releases an order that will not be paid. Failures are only
// logged; an unpaid backend checkout expires on its own.
func (o *Orchestrator) abandonOrder(ctx context.Context, p *pendingOrder) {
	if p == nil {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	if err := o.backend.Abandon(ctx, p.checkoutID); err != nil && !errors.Is(err, checkoutsvc.ErrSessionNotFound) {
		o.log.Warn("failed to abandon checkout", zap.String("checkout_id", p.checkoutID), zap.Error(err))
		return
	}
	o.log.Info("pending order abandoned",
		zap.String("checkout_id", p.checkoutID), zap.String("gateway_order_ref", p.session.OrderRef))
}
