package checkout

import (
	"context"
	"time"
)

// Balance is a user's versioned account balance.
type Balance struct {
	UserID  string
	Amount  int64
	Version int64
}

// LedgerEntry records one balance mutation for audit and exact reversal.
type LedgerEntry struct {
	OrderID string
	Delta   int64
	Reason  string
}

// BalanceStore mutates balances through a version-matched write. A
// CompareAndSwap against a stale version returns guard.ErrVersionConflict.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (Balance, error)
	CompareAndSwap(ctx context.Context, userID string, newAmount, expectedVersion int64, entry LedgerEntry) error
}

// InventoryStore mutates option stock under an exclusive row lock, so a
// decrement never races another writer on the same option.
type InventoryStore interface {
	Deduct(ctx context.Context, optionID string, qty int) error
	// Restore credits qty back. found is false when the option no longer
	// exists; callers treat that as best-effort and move on.
	Restore(ctx context.Context, optionID string, qty int) (found bool, err error)
}

// CouponStore transitions a user's coupon between unused and used.
type CouponStore interface {
	Use(ctx context.Context, couponID, userID string, usedAt time.Time) error
	Release(ctx context.Context, couponID string) error
}

// OrderStore persists orders. Complete marks the order paid and enqueues
// its order-completed outbox row in the same transaction, so the event
// exists exactly when the mutation does.
type OrderStore interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, orderID string) (Order, error)
	CancelIfPending(ctx context.Context, orderID string) (bool, error)
	Complete(ctx context.Context, orderID string) error
}
