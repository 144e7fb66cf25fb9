package checkoutdb

import (
	"context"
	"database/sql"
	"errors"

	"tradepost/internal/checkout"
	"tradepost/internal/guard"
)

// InventoryStore persists option stock in Postgres. Mutations run under
// SELECT ... FOR UPDATE so concurrent writers on the same option
// serialize structurally instead of by version check.
type InventoryStore struct {
	db *sql.DB
}

// NewInventoryStore constructs an InventoryStore backed by Postgres.
func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

// NewInventoryStoreWithSchema initializes the schema then returns the store.
func NewInventoryStoreWithSchema(ctx context.Context, db *sql.DB) (*InventoryStore, error) {
	store := NewInventoryStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the product_options table if it does not exist.
func (s *InventoryStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS product_options (
			option_id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Deduct decrements the option's stock while holding its row lock.
func (s *InventoryStore) Deduct(ctx context.Context, optionID string, qty int) error {
	return guard.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var current int
		row := tx.QueryRowContext(ctx, `
			SELECT quantity FROM product_options
			WHERE option_id = $1
			FOR UPDATE`,
			optionID,
		)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return checkout.ErrOptionNotFound
			}
			return err
		}
		if current < qty {
			return checkout.ErrInsufficientStock
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE product_options
			SET quantity = quantity - $2, updated_at = NOW()
			WHERE option_id = $1`,
			optionID, qty,
		)
		return err
	})
}

// Restore credits stock back. A missing option returns found=false so
// compensation can log and continue.
func (s *InventoryStore) Restore(ctx context.Context, optionID string, qty int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE product_options
		SET quantity = quantity + $2, updated_at = NOW()
		WHERE option_id = $1`,
		optionID, qty,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
