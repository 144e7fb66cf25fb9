package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tradepost/internal/idempotency"
)

// Locker serializes cross-process work on a resource key.
type Locker interface {
	WithLock(ctx context.Context, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}

// PlaceOrderInput is validated order input supplied by the transport
// layer together with the authenticated user id.
type PlaceOrderInput struct {
	UserID   string
	Items    []LineItem
	CouponID string
	// Discount is the coupon's resolved value in the order currency.
	Discount int64
	// IdempotencyToken deduplicates retried submissions; empty disables
	// dedup for this call.
	IdempotencyToken string
}

// ServiceConfig tunes the order use case.
type ServiceConfig struct {
	// LockWait/LockLease bound the per-user distributed mutex taken
	// around the saga when a Locker is configured.
	LockWait  time.Duration
	LockLease time.Duration
}

// Service is the order-creation use case: idempotency ledger, saga run,
// order completion with its outbox event.
type Service struct {
	orchestrator *Orchestrator
	orders       OrderStore
	ledger       idempotency.Ledger
	locker       Locker
	cfg          ServiceConfig
	logf         func(format string, args ...any)
}

// NewService constructs the order service. ledger and locker may be nil,
// which disables request dedup and cross-process serialization
// respectively.
func NewService(orchestrator *Orchestrator, orders OrderStore, ledger idempotency.Ledger, locker Locker, cfg ServiceConfig, logf func(format string, args ...any)) *Service {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 3 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 30 * time.Second
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Service{
		orchestrator: orchestrator,
		orders:       orders,
		ledger:       ledger,
		locker:       locker,
		cfg:          cfg,
		logf:         logf,
	}
}

// PlaceOrder executes the order saga and returns the paid order. A
// duplicate idempotency token returns the first submission's order
// without re-executing any step.
func (s *Service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (Order, error) {
	subtotal := computeSubtotal(input.Items)
	discount := input.Discount

	var ticket *idempotency.Ticket
	if s.ledger != nil && input.IdempotencyToken != "" {
		var err error
		ticket, err = s.ledger.Begin(ctx, input.IdempotencyToken)
		if err != nil {
			return Order{}, fmt.Errorf("idempotency begin: %w", err)
		}
		if !ticket.New {
			switch ticket.Status {
			case idempotency.StatusCompleted:
				return s.orders.Get(ctx, ticket.ResultID)
			default:
				return Order{}, ErrRequestInFlight
			}
		}
	}

	order, err := s.placeOrderLocked(ctx, input, subtotal, discount)
	if ticket != nil {
		if err != nil {
			if abortErr := ticket.Abort(); abortErr != nil {
				s.logf("idempotency abort for token %s: %v", input.IdempotencyToken, abortErr)
			}
		} else if completeErr := ticket.Complete(ctx, order.ID); completeErr != nil {
			s.logf("idempotency complete for token %s: %v", input.IdempotencyToken, completeErr)
		}
	}
	return order, err
}

func (s *Service) placeOrderLocked(ctx context.Context, input PlaceOrderInput, subtotal, discount int64) (Order, error) {
	if s.locker == nil {
		return s.runSaga(ctx, input, subtotal, discount)
	}

	var order Order
	key := "order:user:" + input.UserID
	err := s.locker.WithLock(ctx, key, s.cfg.LockWait, s.cfg.LockLease, func(ctx context.Context) error {
		var runErr error
		order, runErr = s.runSaga(ctx, input, subtotal, discount)
		return runErr
	})
	return order, err
}

func (s *Service) runSaga(ctx context.Context, input PlaceOrderInput, subtotal, discount int64) (Order, error) {
	sc := NewContext(input.UserID, input.Items, input.CouponID, subtotal, discount, subtotal-discount)

	if err := s.orchestrator.Run(ctx, sc); err != nil {
		return Order{}, err
	}

	if err := s.orders.Complete(ctx, sc.OrderID); err != nil {
		// Every forward step succeeded, so the executed mutations must
		// be rolled back before the error surfaces; otherwise a client
		// retry would charge and deduct on top of the residue.
		s.logf("complete order %s failed, rolling back saga: %v", sc.OrderID, err)
		s.orchestrator.Compensate(ctx, sc)
		return Order{}, fmt.Errorf("complete order %s: %w", sc.OrderID, err)
	}
	return s.orders.Get(ctx, sc.OrderID)
}

func computeSubtotal(items []LineItem) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return subtotal
}

// UserError maps an internal saga failure to the single terminal error
// shown to the caller. Compensation details never leak; the original
// cause (insufficient stock, insufficient balance, timeout) does.
func UserError(err error) error {
	if err == nil {
		return nil
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) && IsValidation(stepErr.Err) {
		return stepErr.Err
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return timeout
	}
	if errors.Is(err, ErrRequestInFlight) {
		return ErrRequestInFlight
	}
	return errors.New("order could not be completed")
}
