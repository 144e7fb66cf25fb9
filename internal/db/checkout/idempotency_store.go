package checkoutdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradepost/internal/idempotency"
)

// IdempotencyStore is the SQL-backed idempotency ledger. It relies on
// the token row's lock for serialization: the first caller inserts a
// pending row and keeps its transaction open until the guarded work
// resolves; a duplicate caller blocks on SELECT ... FOR UPDATE until
// then and observes the outcome instead of re-executing.
type IdempotencyStore struct {
	db *sql.DB
}

// NewIdempotencyStore constructs an IdempotencyStore backed by Postgres.
func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// NewIdempotencyStoreWithSchema initializes the schema then returns the store.
func NewIdempotencyStoreWithSchema(ctx context.Context, db *sql.DB) (*IdempotencyStore, error) {
	store := NewIdempotencyStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency_keys table if it does not exist.
func (s *IdempotencyStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			token TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			result_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Begin claims the token or observes the earlier claim.
func (s *IdempotencyStore) Begin(ctx context.Context, token string) (*idempotency.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (token, status)
		VALUES ($1, 'pending')
		ON CONFLICT (token) DO NOTHING`,
		token,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if affected == 1 {
		// We own the token. The open transaction holds the row until
		// Complete commits it or Abort rolls the insert back.
		return idempotency.NewTicket(
			func(ctx context.Context, resultID string) error {
				_, err := tx.ExecContext(ctx, `
					UPDATE idempotency_keys
					SET status = 'completed', result_id = $2, updated_at = NOW()
					WHERE token = $1`,
					token, resultID,
				)
				if err != nil {
					_ = tx.Rollback()
					return err
				}
				return tx.Commit()
			},
			func() error {
				return tx.Rollback()
			},
		), nil
	}

	// Someone holds the token. Block on its row lock until their
	// transaction resolves, then read the outcome.
	row := tx.QueryRowContext(ctx, `
		SELECT status, COALESCE(result_id, '')
		FROM idempotency_keys
		WHERE token = $1
		FOR UPDATE`,
		token,
	)

	var status, resultID string
	if err := row.Scan(&status, &resultID); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			// The owner aborted; their insert rolled back. Report as
			// still pending so the caller retries.
			return nil, idempotency.ErrStillPending
		}
		return nil, err
	}
	if err := tx.Rollback(); err != nil {
		return nil, err
	}

	if status == string(idempotency.StatusCompleted) {
		return idempotency.Observed(idempotency.StatusCompleted, resultID), nil
	}
	// A committed pending row means the owner crashed mid-flight.
	return idempotency.Observed(idempotency.StatusPending, resultID), nil
}
