package checkoutsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/pgdb"
	"github.com/shopspring/decimal"
)

const (
	MigrationsTable      = "checkout_schema_migrations"
	idempotencyKeyUnique = "uniq_checkout_sessions_idempotency_key"
	outboxUnique         = "uniq_outbox_events_aggregate_type"

	EventCheckoutCompleted = "checkout.completed"
)

var (
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrSessionNotFound         = errors.New("checkout session not found")
	ErrStatusConflict          = errors.New("checkout session status changed concurrently")
)

type CheckoutSession struct {
	ID                string
	OwnerID           string
	UserID            string
	CartID            string
	IdempotencyKey    string
	Status            domain.CheckoutStatus
	CartSnapshot      []byte
	ShippingAddressID string
	BillingAddressID  string
	CarrierID         string
	DiscountCode      string
	TotalAmount       decimal.Decimal
	Currency          string
	GatewayOrderRef   string
	PaymentID         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type OutboxEvent struct {
	ID          int
	AggregateId string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

type RepoInterface interface {
	GetCheckoutSessionByIdempotencyKey(ctx context.Context, key string) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, session *CheckoutSession) error
	// UpdateCheckoutSessionStatus moves id from one status to another and
	// fails with ErrStatusConflict when the stored status is not from.
	UpdateCheckoutSessionStatus(ctx context.Context, id string, from, to domain.CheckoutStatus) error
	SetGatewayOrder(ctx context.Context, id, orderRef string, status domain.CheckoutStatus) error
	SetPayment(ctx context.Context, id string, status domain.CheckoutStatus, paymentID string) error
	// CompleteCheckoutSession sets the status and records the outbox event in
	// one transaction.
	CompleteCheckoutSession(ctx context.Context, id string, payload []byte, status domain.CheckoutStatus) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int) error
	// GetStuckSessions returns sessions that were paid but have no outbox event.
	GetStuckSessions(ctx context.Context) ([]*CheckoutSession, error)
}

type Repository struct {
	db *sql.DB
}

var _ RepoInterface = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate applies the checkout schema from dir.
func Migrate(db *sql.DB, dir string) error {
	return pgdb.RunMigrations(db, dir, MigrationsTable)
}

const sessionColumns = `id, owner_id, user_id, cart_id, idempotency_key, status, cart_snapshot,
	shipping_address_id, billing_address_id, carrier_id, discount_code, total_amount, currency,
	gateway_order_ref, payment_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*CheckoutSession, error) {
	var s CheckoutSession
	var status, total string
	err := row.Scan(&s.ID, &s.OwnerID, &s.UserID, &s.CartID, &s.IdempotencyKey, &status, &s.CartSnapshot,
		&s.ShippingAddressID, &s.BillingAddressID, &s.CarrierID, &s.DiscountCode, &total, &s.Currency,
		&s.GatewayOrderRef, &s.PaymentID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = domain.CheckoutStatus(status)
	s.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total_amount %q: %w", total, err)
	}
	return &s, nil
}

func (r *Repository) GetCheckoutSessionByIdempotencyKey(ctx context.Context, key string) (*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE idempotency_key = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkout session: %w", err)
	}
	return s, nil
}

func (r *Repository) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkout session: %w", err)
	}
	return s, nil
}

func (r *Repository) CreateCheckoutSession(ctx context.Context, s *CheckoutSession) error {
	query := `INSERT INTO checkout_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.OwnerID, s.UserID, s.CartID, s.IdempotencyKey, string(s.Status), string(s.CartSnapshot),
		s.ShippingAddressID, s.BillingAddressID, s.CarrierID, s.DiscountCode, s.TotalAmount.StringFixed(2), s.Currency,
		s.GatewayOrderRef, s.PaymentID, s.CreatedAt, s.UpdatedAt)
	if pgdb.IsUniqueViolation(err, idempotencyKeyUnique) {
		return ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to create checkout session: %w", err)
	}
	return nil
}

func (r *Repository) UpdateCheckoutSessionStatus(ctx context.Context, id string, from, to domain.CheckoutStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update checkout status: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *Repository) SetGatewayOrder(ctx context.Context, id, orderRef string, status domain.CheckoutStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET gateway_order_ref = $2, status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, orderRef, string(status), string(domain.CheckoutStatusInitiated))
	if err != nil {
		return fmt.Errorf("failed to set gateway order: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *Repository) SetPayment(ctx context.Context, id string, status domain.CheckoutStatus, paymentID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET payment_id = $2, status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, paymentID, string(status), string(domain.CheckoutStatusPaymentPending))
	if err != nil {
		return fmt.Errorf("failed to set payment: %w", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *Repository) CompleteCheckoutSession(ctx context.Context, id string, payload []byte, status domain.CheckoutStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, string(status), string(domain.CheckoutStatusPaymentCompleted))
	if err != nil {
		return fmt.Errorf("failed to complete checkout session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		id, EventCheckoutCompleted, string(payload))
	if pgdb.IsUniqueViolation(err, outboxUnique) {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at FROM outbox_events
		 WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateId, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = NOW() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event: %w", err)
	}
	return nil
}

func (r *Repository) GetStuckSessions(ctx context.Context) ([]*CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions s
		WHERE s.status = $1
		  AND NOT EXISTS (SELECT 1 FROM outbox_events e WHERE e.aggregate_id = s.id::text)
		ORDER BY s.updated_at
		LIMIT 100`
	rows, err := r.db.QueryContext(ctx, query, string(domain.CheckoutStatusPaymentCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*CheckoutSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkout session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stuck sessions: %w", err)
	}
	return sessions, nil
}

func (r *Repository) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetCheckoutSession(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}
