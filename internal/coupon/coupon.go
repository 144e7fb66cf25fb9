package coupon

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted signals the coupon has no remaining quantity.
var ErrExhausted = errors.New("coupon exhausted")

// ErrStockNotFound signals an issuance request for an unknown coupon.
var ErrStockNotFound = errors.New("coupon stock not found")

// Stock is a coupon's versioned remaining quantity.
type Stock struct {
	CouponID  string
	Remaining int64
	Version   int64
}

// StockStore mutates coupon stock through a version-matched write.
type StockStore interface {
	Get(ctx context.Context, couponID string) (Stock, error)
	CompareAndSwap(ctx context.Context, couponID string, remaining, expectedVersion int64) error
	// ListActive returns coupon ids with remaining quantity, used to
	// discover issuance streams.
	ListActive(ctx context.Context) ([]string, error)
}

// GrantStore records which user holds which coupon. Grant returns false
// when the (user, coupon) pair already exists, which is how duplicate
// deliveries collapse to a single issuance.
type GrantStore interface {
	Grant(ctx context.Context, userID, couponID string, grantedAt time.Time) (bool, error)
}
