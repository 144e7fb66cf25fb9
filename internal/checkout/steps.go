package checkout

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/guard"
)

// CreateOrderStep persists the order in pending state.
type CreateOrderStep struct {
	Orders OrderStore
	NewID  func() string
	Now    func() time.Time
}

func NewCreateOrderStep(orders OrderStore) *CreateOrderStep {
	return &CreateOrderStep{
		Orders: orders,
		NewID:  uuid.NewString,
		Now:    time.Now,
	}
}

func (s *CreateOrderStep) Name() string { return StepCreateOrder }
func (s *CreateOrderStep) Order() int   { return 1 }

func (s *CreateOrderStep) Execute(ctx context.Context, sc *Context) error {
	order := &Order{
		ID:        s.NewID(),
		UserID:    sc.UserID,
		Items:     sc.Items,
		CouponID:  sc.CouponID,
		Subtotal:  sc.Subtotal,
		Discount:  sc.Discount,
		Total:     sc.Total,
		Status:    OrderStatusPending,
		CreatedAt: s.Now().UTC(),
	}
	if err := s.Orders.Create(ctx, order); err != nil {
		return err
	}
	sc.OrderID = order.ID
	sc.OrderCreated = true
	return nil
}

// Compensate cancels the order only while it is still pending. An order
// that already left pending (e.g. paid) must not be touched here.
func (s *CreateOrderStep) Compensate(ctx context.Context, sc *Context) error {
	if !sc.OrderCreated || sc.OrderID == "" {
		return nil
	}
	_, err := s.Orders.CancelIfPending(ctx, sc.OrderID)
	return err
}

// DeductBalanceStep charges the order total against the user's balance
// through the optimistic guard.
type DeductBalanceStep struct {
	Balances BalanceStore
	Retry    guard.RetryPolicy
}

func NewDeductBalanceStep(balances BalanceStore, retry guard.RetryPolicy) *DeductBalanceStep {
	return &DeductBalanceStep{Balances: balances, Retry: retry}
}

func (s *DeductBalanceStep) Name() string { return StepDeductBalance }
func (s *DeductBalanceStep) Order() int   { return 2 }

func (s *DeductBalanceStep) Execute(ctx context.Context, sc *Context) error {
	err := s.Retry.Do(ctx, func() error {
		bal, err := s.Balances.Get(ctx, sc.UserID)
		if err != nil {
			return err
		}
		if bal.Amount < sc.Total {
			return ErrInsufficientBalance
		}
		return s.Balances.CompareAndSwap(ctx, sc.UserID, bal.Amount-sc.Total, bal.Version, LedgerEntry{
			OrderID: sc.OrderID,
			Delta:   -sc.Total,
			Reason:  "order_payment",
		})
	})
	if err != nil {
		return err
	}
	sc.BalanceDeducted = true
	sc.DeductedAmount = sc.Total
	return nil
}

// Compensate credits back exactly the deducted amount, not a recomputed
// value, so the reversal is exact regardless of intervening mutations.
func (s *DeductBalanceStep) Compensate(ctx context.Context, sc *Context) error {
	if !sc.BalanceDeducted {
		return nil
	}
	return s.Retry.Do(ctx, func() error {
		bal, err := s.Balances.Get(ctx, sc.UserID)
		if err != nil {
			return err
		}
		return s.Balances.CompareAndSwap(ctx, sc.UserID, bal.Amount+sc.DeductedAmount, bal.Version, LedgerEntry{
			OrderID: sc.OrderID,
			Delta:   sc.DeductedAmount,
			Reason:  "order_refund",
		})
	})
}

// DeductInventoryStep decrements stock per line item under the
// pessimistic row guard, recording every deducted quantity.
type DeductInventoryStep struct {
	Inventory InventoryStore
	Logf      func(format string, args ...any)
}

func NewDeductInventoryStep(inventory InventoryStore, logf func(format string, args ...any)) *DeductInventoryStep {
	if logf == nil {
		logf = log.Printf
	}
	return &DeductInventoryStep{Inventory: inventory, Logf: logf}
}

func (s *DeductInventoryStep) Name() string { return StepDeductInventory }
func (s *DeductInventoryStep) Order() int   { return 3 }

func (s *DeductInventoryStep) Execute(ctx context.Context, sc *Context) error {
	deducted := make(map[string]int, len(sc.Items))
	for _, item := range sc.Items {
		if err := s.Inventory.Deduct(ctx, item.OptionID, item.Quantity); err != nil {
			// Undo this step's own partial progress so a failed execute
			// leaves nothing for compensation to reverse.
			for optionID, qty := range deducted {
				if _, restoreErr := s.Inventory.Restore(ctx, optionID, qty); restoreErr != nil {
					s.Logf("inventory rollback of option %s failed: %v", optionID, restoreErr)
				}
			}
			return fmt.Errorf("option %s: %w", item.OptionID, err)
		}
		deducted[item.OptionID] += item.Quantity
	}
	for optionID, qty := range deducted {
		sc.DeductedStock[optionID] += qty
	}
	sc.InventoryDeducted = len(sc.DeductedStock) > 0
	return nil
}

// Compensate restores every recorded (option, quantity) pair. A missing
// option is logged and skipped; siblings are still restored.
func (s *DeductInventoryStep) Compensate(ctx context.Context, sc *Context) error {
	if !sc.InventoryDeducted {
		return nil
	}
	var firstErr error
	for optionID, qty := range sc.DeductedStock {
		found, err := s.Inventory.Restore(ctx, optionID, qty)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("restore option %s: %w", optionID, err)
			}
			continue
		}
		if !found {
			s.Logf("inventory compensation: option %s no longer exists, skipping restore of %d", optionID, qty)
		}
	}
	return firstErr
}

// UseCouponStep consumes the order's coupon when one is present.
type UseCouponStep struct {
	Coupons CouponStore
	Now     func() time.Time
}

func NewUseCouponStep(coupons CouponStore) *UseCouponStep {
	return &UseCouponStep{Coupons: coupons, Now: time.Now}
}

func (s *UseCouponStep) Name() string { return StepUseCoupon }
func (s *UseCouponStep) Order() int   { return 4 }

func (s *UseCouponStep) Execute(ctx context.Context, sc *Context) error {
	if sc.CouponID == "" {
		return nil
	}
	if err := s.Coupons.Use(ctx, sc.CouponID, sc.UserID, s.Now().UTC()); err != nil {
		return err
	}
	sc.CouponUsed = true
	sc.UsedCouponID = sc.CouponID
	return nil
}

func (s *UseCouponStep) Compensate(ctx context.Context, sc *Context) error {
	if !sc.CouponUsed {
		return nil
	}
	return s.Coupons.Release(ctx, sc.UsedCouponID)
}
