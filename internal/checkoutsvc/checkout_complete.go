package checkoutsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
)

// CompletedEvent is the payload of a checkout.completed outbox event.
type CompletedEvent struct {
	CheckoutID  string                    `json:"checkout_id"`
	UserID      string                    `json:"user_id,omitempty"`
	CartID      string                    `json:"cart_id"`
	Items       []domain.CartSnapshotItem `json:"items"`
	TotalAmount string                    `json:"total_amount"`
	Currency    string                    `json:"currency"`
	PaymentID   string                    `json:"payment_id"`
	CompletedAt time.Time                 `json:"completed_at"`
}

// CompletionPayload builds the outbox payload for a paid session.
func CompletionPayload(session *CheckoutSession, completedAt time.Time) ([]byte, error) {
	var snap domain.CartSnapshot
	if err := json.Unmarshal(session.CartSnapshot, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart snapshot for session %s: %w", session.ID, err)
	}
	payload, err := json.Marshal(CompletedEvent{
		CheckoutID:  session.ID,
		UserID:      session.UserID,
		CartID:      session.CartID,
		Items:       snap.Items,
		TotalAmount: session.TotalAmount.StringFixed(2),
		Currency:    session.Currency,
		PaymentID:   session.PaymentID,
		CompletedAt: completedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout payload: %w", err)
	}
	return payload, nil
}

func (s *CheckoutServiceImpl) complete(ctx context.Context, session *CheckoutSession) error {
	if !domain.CanTransitionTo(session.Status, domain.CheckoutStatusCompleted) {
		return IllegalTransitionError
	}
	payload, err := CompletionPayload(session, s.now().UTC())
	if err != nil {
		return err
	}
	if err := s.repo.CompleteCheckoutSession(ctx, session.ID, payload, domain.CheckoutStatusCompleted); err != nil {
		return err
	}
	session.Status = domain.CheckoutStatusCompleted
	return nil
}
