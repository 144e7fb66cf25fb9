package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status tracks whether a failed compensation has been reprocessed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// FailedCompensation is one step whose backward execution could not
// complete after its retry budget. It carries enough context to replay
// the compensation out of band.
type FailedCompensation struct {
	ID        string
	OrderID   string
	UserID    string
	StepName  string
	StepOrder int
	Reason    string
	Context   json.RawMessage
	Status    Status
	CreatedAt time.Time
}

// NewFailedCompensation builds a pending row from a compensation failure.
// snapshot is marshalled as the replay context; a marshal failure leaves
// the context empty rather than dropping the row.
func NewFailedCompensation(orderID, userID, stepName string, stepOrder int, cause error, snapshot any) FailedCompensation {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		raw = nil
	}
	return FailedCompensation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		UserID:    userID,
		StepName:  stepName,
		StepOrder: stepOrder,
		Reason:    reason,
		Context:   raw,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists failed compensations for manual or scheduled reprocessing.
type Store interface {
	Record(ctx context.Context, failed FailedCompensation) error
	ListPending(ctx context.Context, limit int) ([]FailedCompensation, error)
	Resolve(ctx context.Context, id string) error
}
