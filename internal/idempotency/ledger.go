package idempotency

import (
	"context"
	"errors"
)

// Status is the lifecycle of an externally-triggered child transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ErrStillPending signals the first request bearing this token committed
// a pending row and then crashed; the caller should retry later.
var ErrStillPending = errors.New("idempotent request still pending")

// Ticket is the outcome of Begin. When New is true the caller owns the
// token and must call Complete or Abort exactly once; otherwise Status
// and ResultID describe the earlier submission.
type Ticket struct {
	New      bool
	Status   Status
	ResultID string

	complete func(ctx context.Context, resultID string) error
	abort    func() error
}

// NewTicket builds an owned ticket; complete and abort resolve the
// underlying pending record.
func NewTicket(complete func(ctx context.Context, resultID string) error, abort func() error) *Ticket {
	return &Ticket{New: true, complete: complete, abort: abort}
}

// Observed builds a ticket describing an already-resolved submission.
func Observed(status Status, resultID string) *Ticket {
	return &Ticket{Status: status, ResultID: resultID}
}

// Complete marks the token completed with the resulting resource id and
// releases any caller blocked on it.
func (t *Ticket) Complete(ctx context.Context, resultID string) error {
	if t.complete == nil {
		return nil
	}
	return t.complete(ctx, resultID)
}

// Abort discards the pending record so a later retry can run the work.
func (t *Ticket) Abort() error {
	if t.abort == nil {
		return nil
	}
	return t.abort()
}

// Ledger records a unique token per child transaction. The first caller
// with a token proceeds; a concurrent caller with the same token blocks
// until the first resolves, then observes the result instead of
// re-executing the guarded work.
type Ledger interface {
	Begin(ctx context.Context, token string) (*Ticket, error)
}
