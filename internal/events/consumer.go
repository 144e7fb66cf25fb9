package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tradepost/internal/checkout"
	"tradepost/internal/realtime"
)

// ProcessedStore remembers handled (aggregate, eventType) pairs. Mark
// returns false when the pair was already recorded, which is how
// at-least-once delivery from the outbox collapses to exactly-once
// processing.
type ProcessedStore interface {
	Mark(ctx context.Context, aggregateID, eventType string) (bool, error)
}

// Broadcaster pushes an order event to connected dashboards.
type Broadcaster interface {
	Publish(event realtime.OrderEvent)
}

// OrderCompletedConsumer handles order-completed bus entries.
type OrderCompletedConsumer struct {
	processed ProcessedStore
	hub       Broadcaster
	logf      func(format string, args ...any)
}

// NewOrderCompletedConsumer constructs the consumer; hub may be nil.
func NewOrderCompletedConsumer(processed ProcessedStore, hub Broadcaster, logf func(format string, args ...any)) *OrderCompletedConsumer {
	if logf == nil {
		logf = log.Printf
	}
	return &OrderCompletedConsumer{processed: processed, hub: hub, logf: logf}
}

// Handle processes one bus entry. Duplicates are acknowledged silently.
func (c *OrderCompletedConsumer) Handle(ctx context.Context, stream string, values map[string]any) error {
	eventType, _ := values["event_type"].(string)
	aggregateID, _ := values["aggregate_id"].(string)
	rawPayload, _ := values["payload"].(string)
	if aggregateID == "" || eventType == "" {
		c.logf("events: malformed entry on %s: %v", stream, values)
		return nil
	}

	first, err := c.processed.Mark(ctx, aggregateID, eventType)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	var payload checkout.OrderCompletedEvent
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
		c.logf("events: bad payload for %s %s: %v", eventType, aggregateID, err)
		return nil
	}

	c.logf("order %s completed for user %s (total %d)", payload.OrderID, payload.UserID, payload.TotalAmount)
	if c.hub != nil {
		c.hub.Publish(realtime.OrderEvent{
			OrderID:     payload.OrderID,
			UserID:      payload.UserID,
			EventType:   eventType,
			TotalAmount: payload.TotalAmount,
			OccurredAt:  payload.OccurredAt,
		})
	}
	return nil
}

// InMemoryProcessedStore is a map-backed ProcessedStore for tests.
type InMemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInMemoryProcessedStore constructs an empty processed store.
func NewInMemoryProcessedStore() *InMemoryProcessedStore {
	return &InMemoryProcessedStore{seen: make(map[string]time.Time)}
}

func (s *InMemoryProcessedStore) Mark(ctx context.Context, aggregateID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aggregateID + "\x00" + eventType
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = time.Now()
	return true, nil
}
