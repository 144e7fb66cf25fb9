package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery lifecycle of an outbox message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Message is a not-yet-delivered domain event. It is inserted in the same
// local transaction as the mutation it describes, so on commit both exist
// or neither does.
type Message struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	Status      Status
	RetryCount  int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewMessage builds a pending message for the given event.
func NewMessage(eventType, aggregateID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     raw,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Store persists outbox messages. FetchDue returns pending messages plus
// messages stuck in publishing past staleAfter (a crashed relay run),
// oldest first, already transitioned to publishing; delivery is therefore
// at-least-once and consumers must dedup.
type Store interface {
	FetchDue(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailedAttempt increments the retry counter and, once the
	// ceiling is reached, parks the message as failed for alerting.
	MarkFailedAttempt(ctx context.Context, id string, maxRetries int) error
}
