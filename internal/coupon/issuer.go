package coupon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tradepost/internal/guard"
)

// Locker serializes cross-process work on a resource key.
type Locker interface {
	WithLock(ctx context.Context, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}

// IssuerConfig tunes issuance locking and retry behavior.
type IssuerConfig struct {
	LockWait  time.Duration
	LockLease time.Duration
	Retry     guard.RetryPolicy
}

// Issuer grants coupons first come, first served. Requests arrive on a
// per-coupon FIFO channel; the issuer takes the coupon's distributed
// mutex (other process instances consume the same streams), decrements
// stock through the optimistic guard, and records the grant.
type Issuer struct {
	stock    StockStore
	grants   GrantStore
	locker   Locker
	cfg      IssuerConfig
	now      func() time.Time
	logf     func(format string, args ...any)
	onIssued func()
}

// NewIssuer constructs an Issuer.
func NewIssuer(stock StockStore, grants GrantStore, locker Locker, cfg IssuerConfig, logf func(format string, args ...any)) *Issuer {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 3 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = guard.RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Issuer{
		stock:  stock,
		grants: grants,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logf:   logf,
	}
}

// SetOnIssued registers a callback invoked once per successful grant.
func (i *Issuer) SetOnIssued(fn func()) {
	i.onIssued = fn
}

// Issue grants couponID to userID. A duplicate request is a no-op
// success: the uniqueness of (user, coupon) collapses redelivery.
func (i *Issuer) Issue(ctx context.Context, userID, couponID string) error {
	work := func(ctx context.Context) error {
		if err := i.adjustStock(ctx, couponID, -1); err != nil {
			return err
		}

		granted, err := i.grants.Grant(ctx, userID, couponID, i.now().UTC())
		if err == nil && !granted {
			i.logf("coupon %s already issued to user %s", couponID, userID)
		}
		if err != nil || !granted {
			// Put the unit back; the decrement above must not stick
			// without a matching grant row.
			if restoreErr := i.adjustStock(ctx, couponID, +1); restoreErr != nil {
				i.logf("coupon %s stock restore failed: %v", couponID, restoreErr)
			}
			return err
		}
		if i.onIssued != nil {
			i.onIssued()
		}
		return nil
	}

	if i.locker != nil {
		return i.locker.WithLock(ctx, "coupon:stock:"+couponID, i.cfg.LockWait, i.cfg.LockLease, work)
	}
	return work(ctx)
}

// adjustStock applies delta to the coupon's remaining quantity through
// the optimistic guard. A decrement below zero is ErrExhausted.
func (i *Issuer) adjustStock(ctx context.Context, couponID string, delta int64) error {
	return i.cfg.Retry.Do(ctx, func() error {
		stock, err := i.stock.Get(ctx, couponID)
		if err != nil {
			return err
		}
		next := stock.Remaining + delta
		if next < 0 {
			return ErrExhausted
		}
		return i.stock.CompareAndSwap(ctx, couponID, next, stock.Version)
	})
}

// HandleRequest adapts bus entries to Issue. Business rejections
// (exhausted, unknown coupon) are acknowledged, not redelivered.
func (i *Issuer) HandleRequest(ctx context.Context, stream string, values map[string]any) error {
	userID, _ := values["user_id"].(string)
	couponID, _ := values["coupon_id"].(string)
	if userID == "" || couponID == "" {
		i.logf("coupon issuance: malformed request on %s: %v", stream, values)
		return nil
	}

	err := i.Issue(ctx, userID, couponID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExhausted), errors.Is(err, ErrStockNotFound):
		i.logf("coupon issuance rejected for user %s, coupon %s: %v", userID, couponID, err)
		return nil
	default:
		return fmt.Errorf("issue coupon %s to %s: %w", couponID, userID, err)
	}
}
