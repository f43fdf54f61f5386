package checkoutsvc

import (
	"context"
	"fmt"

	"github.com/fjod/go_storefront/internal/domain"
	"go.uber.org/zap"
)

type VerifyRequest struct {
	CheckoutID      string
	GatewayOrderRef string
	TransactionID   string
	Signature       string
}

type Verification struct {
	CheckoutID    string                `json:"checkout_id"`
	Status        domain.CheckoutStatus `json:"status"`
	TransactionID string                `json:"transaction_id"`
}

// Verify checks the gateway signature for a payment and completes the
// checkout. Verifying the same transaction again succeeds without side effects.
func (s *CheckoutServiceImpl) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	session, err := s.repo.GetCheckoutSession(ctx, req.CheckoutID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case domain.CheckoutStatusPaymentCompleted, domain.CheckoutStatusCompleted:
		if session.PaymentID != req.TransactionID {
			return nil, fmt.Errorf("%w: checkout %s was paid by another transaction", ErrVerificationFailed, session.ID)
		}
		return &Verification{CheckoutID: session.ID, Status: session.Status, TransactionID: session.PaymentID}, nil
	case domain.CheckoutStatusPaymentPending:
	default:
		return nil, fmt.Errorf("%w: cannot verify checkout in status %s", IllegalTransitionError, session.Status)
	}

	if req.GatewayOrderRef != session.GatewayOrderRef ||
		!s.verifier.Verify(session.GatewayOrderRef, req.TransactionID, req.Signature) {
		s.log.Warn("payment signature rejected",
			zap.String("checkout_id", session.ID),
			zap.String("gateway_order_ref", req.GatewayOrderRef),
			zap.String("transaction_id", req.TransactionID))
		s.fail(ctx, session.ID, session.Status)
		return nil, ErrVerificationFailed
	}

	if !domain.CanTransitionTo(session.Status, domain.CheckoutStatusPaymentCompleted) {
		return nil, IllegalTransitionError
	}
	if err := s.repo.SetPayment(ctx, session.ID, domain.CheckoutStatusPaymentCompleted, req.TransactionID); err != nil {
		return nil, err
	}
	session.Status = domain.CheckoutStatusPaymentCompleted
	session.PaymentID = req.TransactionID

	// The payment is proven at this point; a failed completion is retried by
	// the outbox recovery loop.
	if err := s.complete(ctx, session); err != nil {
		s.log.Error("failed to complete verified checkout",
			zap.String("checkout_id", session.ID), zap.Error(err))
	}

	s.log.Info("payment verified",
		zap.String("checkout_id", session.ID),
		zap.String("transaction_id", req.TransactionID),
		zap.String("status", session.Status.String()))
	return &Verification{CheckoutID: session.ID, Status: session.Status, TransactionID: req.TransactionID}, nil
}

// Abandon releases a checkout that will not be paid. Abandoning an already
// closed checkout is a no-op; a paid one cannot be abandoned.
func (s *CheckoutServiceImpl) Abandon(ctx context.Context, checkoutID string) error {
	session, err := s.repo.GetCheckoutSession(ctx, checkoutID)
	if err != nil {
		return err
	}
	switch session.Status {
	case domain.CheckoutStatusAbandoned, domain.CheckoutStatusFailed:
		return nil
	}
	if !domain.CanTransitionTo(session.Status, domain.CheckoutStatusAbandoned) {
		return fmt.Errorf("%w: cannot abandon checkout in status %s", IllegalTransitionError, session.Status)
	}
	if err := s.repo.UpdateCheckoutSessionStatus(ctx, session.ID, session.Status, domain.CheckoutStatusAbandoned); err != nil {
		return err
	}
	s.log.Info("checkout abandoned", zap.String("checkout_id", session.ID))
	return nil
}

func (s *CheckoutServiceImpl) Status(ctx context.Context, checkoutID string) (*Order, error) {
	session, err := s.repo.GetCheckoutSession(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	return orderFromSession(session, false)
}
