package checkout

import (
	"errors"
	"fmt"

	"tradepost/internal/guard"
)

// Validation failures: surfaced to the caller, never retried.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponUnavailable   = errors.New("coupon not usable")
	ErrOrderNotFound       = errors.New("order not found")
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrOptionNotFound      = errors.New("product option not found")
)

// ErrRequestInFlight signals a duplicate idempotency token whose first
// submission has not resolved yet; the caller should retry later.
var ErrRequestInFlight = errors.New("request still in flight")

// TimeoutError reports the saga exceeded its wall-clock budget. It notes
// forward progress for diagnostics.
type TimeoutError struct {
	Completed int
	Total     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("saga timed out after %d of %d steps", e.Completed, e.Total)
}

// StepError wraps a step failure with the step that raised it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a business-rule rejection rather
// than an infrastructure or concurrency failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrCouponNotFound) ||
		errors.Is(err, ErrCouponUnavailable) ||
		errors.Is(err, ErrOptionNotFound)
}

// IsConflict reports whether err is a concurrency conflict that was
// retried locally and exhausted its budget.
func IsConflict(err error) bool {
	return errors.Is(err, guard.ErrVersionConflict) ||
		errors.Is(err, guard.ErrLockNotAcquired)
}
