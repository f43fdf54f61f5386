package checkoutsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fjod/go_storefront/internal/cart"
	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/shipping"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateRequest struct {
	IdempotencyKey string
	// OwnerID scopes address lookups: a user id or a guest owner.
	OwnerID           string
	UserID            string
	CartID            string
	Lines             []domain.CartLine
	ShippingAddressID string
	BillingAddressID  string
	CarrierID         string
	DiscountCode      string
}

type Order struct {
	CheckoutID      string                `json:"checkout_id"`
	GatewayOrderRef string                `json:"gateway_order_ref"`
	Status          domain.CheckoutStatus `json:"status"`
	Totals          domain.Totals         `json:"totals"`
	PriceChanges    []cart.PriceChange    `json:"price_changes,omitempty"`
	// Replayed is set when the idempotency key matched an existing checkout.
	Replayed bool `json:"replayed"`
}

// CreateCheckout prices the cart from the catalog, re-quotes the chosen
// carrier and opens a gateway order. A repeated idempotency key returns the
// existing checkout without creating another gateway order.
func (s *CheckoutServiceImpl) CreateCheckout(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	existing, err := s.repo.GetCheckoutSessionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrIdempotencyKeyNotFound) {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.log.Info("duplicate checkout request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("checkout_id", existing.ID),
			zap.String("status", existing.Status.String()))
		return orderFromSession(existing, true)
	}

	if len(req.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	billingID := req.BillingAddressID
	if billingID == "" {
		billingID = req.ShippingAddressID
	}
	for _, id := range []string{req.ShippingAddressID, billingID} {
		if _, err := s.addresses.Get(ctx, req.OwnerID, id); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, id)
		}
	}

	lines, changes, err := s.prices.Reprice(ctx, req.Lines)
	if err != nil {
		return nil, fmt.Errorf("failed to price cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	pct, err := s.Discount(ctx, req.DiscountCode)
	if err != nil {
		return nil, err
	}

	quote, err := s.quote(ctx, req, lines)
	if err != nil {
		return nil, err
	}

	totals := domain.ComputeTotals(lines, quote.Amount, pct, s.currency)
	snapshot, err := json.Marshal(domain.NewCartSnapshot(req.CartID, lines, totals, s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cart snapshot: %w", err)
	}

	now := s.now().UTC()
	session := &CheckoutSession{
		ID:                uuid.NewString(),
		OwnerID:           req.OwnerID,
		UserID:            req.UserID,
		CartID:            req.CartID,
		IdempotencyKey:    req.IdempotencyKey,
		Status:            domain.CheckoutStatusInitiated,
		CartSnapshot:      snapshot,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  billingID,
		CarrierID:         req.CarrierID,
		DiscountCode:      req.DiscountCode,
		TotalAmount:       totals.Total,
		Currency:          totals.Currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.repo.CreateCheckoutSession(ctx, session)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key won.
		existing, err := s.repo.GetCheckoutSessionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load concurrent checkout: %w", err)
		}
		return orderFromSession(existing, true)
	}
	if err != nil {
		return nil, err
	}

	if err := s.openGatewayOrder(ctx, session); err != nil {
		return nil, err
	}

	s.log.Info("checkout created",
		zap.String("checkout_id", session.ID),
		zap.String("cart_id", req.CartID),
		zap.String("gateway_order_ref", session.GatewayOrderRef),
		zap.String("total", totals.Total.String()),
		zap.Int("price_changes", len(changes)))

	return &Order{
		CheckoutID:      session.ID,
		GatewayOrderRef: session.GatewayOrderRef,
		Status:          session.Status,
		Totals:          totals,
		PriceChanges:    changes,
	}, nil
}

func (s *CheckoutServiceImpl) quote(ctx context.Context, req CreateRequest, lines []domain.CartLine) (domain.Quote, error) {
	items := 0
	subtotal := decimal.Zero
	for _, l := range lines {
		items += l.Quantity
		subtotal = subtotal.Add(l.Subtotal())
	}
	quotes, err := s.rates.GetRates(ctx, shipping.RateRequest{
		OwnerID:   req.OwnerID,
		CartID:    req.CartID,
		AddressID: req.ShippingAddressID,
		Items:     items,
		Subtotal:  subtotal,
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("failed to quote shipping: %w", err)
	}
	q, ok := quotes[req.CarrierID]
	if !ok || !q.OK() {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrCarrierUnavailable, req.CarrierID)
	}
	return q, nil
}

func (s *CheckoutServiceImpl) openGatewayOrder(ctx context.Context, session *CheckoutSession) error {
	if !domain.CanTransitionTo(session.Status, domain.CheckoutStatusPaymentPending) {
		return IllegalTransitionError
	}
	ref, err := s.orders.CreateOrder(ctx, session.TotalAmount, session.Currency, session.ID)
	if err != nil {
		s.fail(ctx, session.ID, session.Status)
		return fmt.Errorf("failed to create gateway order: %w", err)
	}
	if err := s.repo.SetGatewayOrder(ctx, session.ID, ref, domain.CheckoutStatusPaymentPending); err != nil {
		return err
	}
	session.GatewayOrderRef = ref
	session.Status = domain.CheckoutStatusPaymentPending
	return nil
}

func (s *CheckoutServiceImpl) fail(ctx context.Context, id string, from domain.CheckoutStatus) {
	if !domain.CanTransitionTo(from, domain.CheckoutStatusFailed) {
		return
	}
	if err := s.repo.UpdateCheckoutSessionStatus(ctx, id, from, domain.CheckoutStatusFailed); err != nil {
		s.log.Error("failed to mark checkout failed", zap.String("checkout_id", id), zap.Error(err))
	}
}

func orderFromSession(session *CheckoutSession, replayed bool) (*Order, error) {
	var snap domain.CartSnapshot
	if err := json.Unmarshal(session.CartSnapshot, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart snapshot for session %s: %w", session.ID, err)
	}
	return &Order{
		CheckoutID:      session.ID,
		GatewayOrderRef: session.GatewayOrderRef,
		Status:          session.Status,
		Totals:          snap.Totals,
		Replayed:        replayed,
	}, nil
}
