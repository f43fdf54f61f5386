package address

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_storefront/internal/domain"
	"github.com/fjod/go_storefront/internal/pgdb"
)

const (
	MigrationsTable   = "address_schema_migrations"
	defaultConstraint = "uniq_addresses_owner_default"
)

const addressColumns = `id, owner_id, name, line1, line2, city, state, postal_code, country, phone, is_default, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the address schema from dir.
func Migrate(db *sql.DB, dir string) error {
	return pgdb.RunMigrations(db, dir, MigrationsTable)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(row scanner) (*domain.Address, error) {
	var a domain.Address
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Line1, &a.Line2, &a.City, &a.State,
		&a.PostalCode, &a.Country, &a.Phone, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) List(ctx context.Context, ownerID string) ([]domain.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE owner_id = $1 ORDER BY is_default DESC, created_at`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	addresses := []domain.Address{}
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating addresses: %w", err)
	}
	return addresses, nil
}

func (r *PostgresRepository) Get(ctx context.Context, ownerID, id string) (*domain.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1 AND owner_id = $2`
	a, err := scanAddress(r.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM addresses WHERE owner_id = $1`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count addresses: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Create(ctx context.Context, a *domain.Address) error {
	return r.withOwnerTx(ctx, a.OwnerID, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM addresses WHERE owner_id = $1`, a.OwnerID).Scan(&existing); err != nil {
			return fmt.Errorf("failed to count addresses: %w", err)
		}
		if existing == 0 {
			a.IsDefault = true
		}
		if a.IsDefault {
			if err := clearDefault(ctx, tx, a.OwnerID, a.ID); err != nil {
				return err
			}
		}

		query := `INSERT INTO addresses (` + addressColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		_, err := tx.ExecContext(ctx, query, a.ID, a.OwnerID, a.Name, a.Line1, a.Line2, a.City, a.State,
			a.PostalCode, a.Country, a.Phone, a.IsDefault, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert address: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Update(ctx context.Context, a *domain.Address) error {
	return r.withOwnerTx(ctx, a.OwnerID, func(tx *sql.Tx) error {
		var wasDefault bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_default FROM addresses WHERE id = $1 AND owner_id = $2`, a.ID, a.OwnerID).Scan(&wasDefault)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAddressNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load address: %w", err)
		}

		// The default can only move to another address, never be switched off.
		if wasDefault {
			a.IsDefault = true
		}
		if a.IsDefault && !wasDefault {
			if err := clearDefault(ctx, tx, a.OwnerID, a.ID); err != nil {
				return err
			}
		}

		query := `UPDATE addresses
			SET name = $3, line1 = $4, line2 = $5, city = $6, state = $7, postal_code = $8,
			    country = $9, phone = $10, is_default = $11, updated_at = $12
			WHERE id = $1 AND owner_id = $2
			RETURNING created_at`
		err = tx.QueryRowContext(ctx, query, a.ID, a.OwnerID, a.Name, a.Line1, a.Line2, a.City, a.State,
			a.PostalCode, a.Country, a.Phone, a.IsDefault, a.UpdatedAt).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to update address: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Delete(ctx context.Context, ownerID, id string) error {
	return r.withOwnerTx(ctx, ownerID, func(tx *sql.Tx) error {
		var wasDefault bool
		err := tx.QueryRowContext(ctx,
			`DELETE FROM addresses WHERE id = $1 AND owner_id = $2 RETURNING is_default`, id, ownerID).Scan(&wasDefault)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAddressNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete address: %w", err)
		}
		if !wasDefault {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE addresses SET is_default = TRUE
			WHERE id = (
				SELECT id FROM addresses WHERE owner_id = $1
				ORDER BY updated_at DESC, created_at DESC LIMIT 1
			)`, ownerID)
		if err != nil {
			return fmt.Errorf("failed to promote default address: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) SetDefault(ctx context.Context, ownerID, id string) error {
	return r.withOwnerTx(ctx, ownerID, func(tx *sql.Tx) error {
		if err := clearDefault(ctx, tx, ownerID, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE addresses SET is_default = TRUE, updated_at = $3 WHERE id = $1 AND owner_id = $2`,
			id, ownerID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to set default address: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAddressNotFound
		}
		return nil
	})
}

func clearDefault(ctx context.Context, tx *sql.Tx, ownerID, keepID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE addresses SET is_default = FALSE WHERE owner_id = $1 AND is_default AND id <> $2`, ownerID, keepID)
	if err != nil {
		return fmt.Errorf("failed to clear default address: %w", err)
	}
	return nil
}

// withOwnerTx serializes writers for one owner with a transaction-scoped
// advisory lock, so the default flag moves atomically.
func (r *PostgresRepository) withOwnerTx(ctx context.Context, ownerID string, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("failed to lock owner: %w", err)
	}

	if err := fn(tx); err != nil {
		if pgdb.IsUniqueViolation(err, defaultConstraint) {
			return ErrDefaultConflict
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pgdb.IsUniqueViolation(err, defaultConstraint) {
			return ErrDefaultConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
