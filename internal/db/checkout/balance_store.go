package checkoutdb

import (
	"context"
	"database/sql"
	"errors"

	"tradepost/internal/checkout"
	"tradepost/internal/guard"
)

// BalanceStore persists user balances in Postgres with a version column
// for optimistic concurrency control.
type BalanceStore struct {
	db *sql.DB
}

// NewBalanceStore constructs a BalanceStore backed by Postgres.
func NewBalanceStore(db *sql.DB) *BalanceStore {
	return &BalanceStore{db: db}
}

// NewBalanceStoreWithSchema initializes the schema then returns the store.
func NewBalanceStoreWithSchema(ctx context.Context, db *sql.DB) (*BalanceStore, error) {
	store := NewBalanceStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the balance tables if they do not exist.
func (s *BalanceStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			amount BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS balance_ledger (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			order_id TEXT,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get reads the current balance and version.
func (s *BalanceStore) Get(ctx context.Context, userID string) (checkout.Balance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, amount, version
		FROM balances
		WHERE user_id = $1`,
		userID,
	)

	var b checkout.Balance
	if err := row.Scan(&b.UserID, &b.Amount, &b.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkout.Balance{}, checkout.ErrBalanceNotFound
		}
		return checkout.Balance{}, err
	}
	return b, nil
}

// CompareAndSwap writes the new amount only when the version still
// matches, appending the ledger entry in the same transaction. A version
// miss surfaces guard.ErrVersionConflict for the retry policy.
func (s *BalanceStore) CompareAndSwap(ctx context.Context, userID string, newAmount, expectedVersion int64, entry checkout.LedgerEntry) error {
	return guard.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances
			SET amount = $2, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND version = $3`,
			userID, newAmount, expectedVersion,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return guard.ErrVersionConflict
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO balance_ledger (user_id, order_id, delta, reason)
			VALUES ($1, $2, $3, $4)`,
			userID, entry.OrderID, entry.Delta, entry.Reason,
		)
		return err
	})
}
