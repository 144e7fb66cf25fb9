package checkoutdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/checkout"
	"tradepost/internal/coupon"
	"tradepost/internal/guard"
)

// newCouponID is a hook for deterministic ids in tests.
var newCouponID = uuid.NewString

// CouponStore persists issued user coupons in Postgres.
type CouponStore struct {
	db *sql.DB
}

// NewCouponStore constructs a CouponStore backed by Postgres.
func NewCouponStore(db *sql.DB) *CouponStore {
	return &CouponStore{db: db}
}

// NewCouponStoreWithSchema initializes the schema then returns the store.
func NewCouponStoreWithSchema(ctx context.Context, db *sql.DB) (*CouponStore, error) {
	store := NewCouponStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the user_coupons table if it does not exist. The
// unique (user_id, coupon_id) pair is what makes duplicate issuance
// deliveries collapse.
func (s *CouponStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_coupons (
			coupon_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			stock_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unused',
			granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			used_at TIMESTAMPTZ,
			UNIQUE (user_id, stock_id)
		)
	`)
	return err
}

// Use transitions the coupon unused -> used with a used-at timestamp.
func (s *CouponStore) Use(ctx context.Context, couponID, userID string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_coupons
		SET status = 'used', used_at = $3
		WHERE coupon_id = $1 AND user_id = $2 AND status = 'unused'`,
		couponID, userID, usedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	row := s.db.QueryRowContext(ctx, `
		SELECT TRUE FROM user_coupons WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID,
	)
	switch scanErr := row.Scan(&exists); {
	case scanErr == nil:
		return checkout.ErrCouponUnavailable
	case errors.Is(scanErr, sql.ErrNoRows):
		return checkout.ErrCouponNotFound
	default:
		return scanErr
	}
}

// Release transitions the coupon back to unused and clears used-at.
func (s *CouponStore) Release(ctx context.Context, couponID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_coupons
		SET status = 'unused', used_at = NULL
		WHERE coupon_id = $1`,
		couponID,
	)
	return err
}

// Grant inserts the user's coupon row for the given campaign stock.
// A duplicate (user, stock) pair reports granted=false.
func (s *CouponStore) Grant(ctx context.Context, userID, stockID string, grantedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_coupons (coupon_id, user_id, stock_id, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, stock_id) DO NOTHING`,
		newCouponID(), userID, stockID, grantedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CouponStockStore persists campaign stock with optimistic versioning.
type CouponStockStore struct {
	db *sql.DB
}

// NewCouponStockStore constructs a CouponStockStore backed by Postgres.
func NewCouponStockStore(db *sql.DB) *CouponStockStore {
	return &CouponStockStore{db: db}
}

// NewCouponStockStoreWithSchema initializes the schema then returns the store.
func NewCouponStockStoreWithSchema(ctx context.Context, db *sql.DB) (*CouponStockStore, error) {
	store := NewCouponStockStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the coupon_stocks table if it does not exist.
func (s *CouponStockStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS coupon_stocks (
			coupon_id TEXT PRIMARY KEY,
			remaining BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Get reads remaining quantity and version for a campaign.
func (s *CouponStockStore) Get(ctx context.Context, couponID string) (coupon.Stock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT coupon_id, remaining, version
		FROM coupon_stocks
		WHERE coupon_id = $1`,
		couponID,
	)

	var stock coupon.Stock
	if err := row.Scan(&stock.CouponID, &stock.Remaining, &stock.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coupon.Stock{}, coupon.ErrStockNotFound
		}
		return coupon.Stock{}, err
	}
	return stock, nil
}

// CompareAndSwap writes remaining only when the version still matches.
func (s *CouponStockStore) CompareAndSwap(ctx context.Context, couponID string, remaining, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupon_stocks
		SET remaining = $2, version = version + 1, updated_at = NOW()
		WHERE coupon_id = $1 AND version = $3`,
		couponID, remaining, expectedVersion,
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
	return nil
}

// ListActive returns campaign ids that still have stock.
func (s *CouponStockStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT coupon_id FROM coupon_stocks WHERE remaining > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
