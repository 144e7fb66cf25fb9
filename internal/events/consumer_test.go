package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tradepost/internal/checkout"
	"tradepost/internal/realtime"
)

type captureHub struct {
	events []realtime.OrderEvent
}

func (h *captureHub) Publish(event realtime.OrderEvent) {
	h.events = append(h.events, event)
}

func orderCompletedEntry(t *testing.T, orderID, userID string, total int64) map[string]any {
	t.Helper()
	payload, err := json.Marshal(checkout.OrderCompletedEvent{
		OrderID:     orderID,
		UserID:      userID,
		TotalAmount: total,
		OccurredAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return map[string]any{
		"message_id":   "m-" + orderID,
		"aggregate_id": orderID,
		"event_type":   checkout.EventOrderCompleted,
		"payload":      string(payload),
	}
}

func TestOrderCompletedConsumer_BroadcastsEvent(t *testing.T) {
	t.Parallel()

	hub := &captureHub{}
	c := NewOrderCompletedConsumer(NewInMemoryProcessedStore(), hub, t.Logf)

	err := c.Handle(context.Background(), "orders:completed", orderCompletedEntry(t, "order-1", "u1", 300))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(hub.events) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.events))
	}
	got := hub.events[0]
	if got.OrderID != "order-1" || got.UserID != "u1" || got.TotalAmount != 300 {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.EventType != checkout.EventOrderCompleted {
		t.Fatalf("unexpected event type %s", got.EventType)
	}
}

func TestOrderCompletedConsumer_DeduplicatesRedelivery(t *testing.T) {
	t.Parallel()

	hub := &captureHub{}
	c := NewOrderCompletedConsumer(NewInMemoryProcessedStore(), hub, t.Logf)

	entry := orderCompletedEntry(t, "order-1", "u1", 300)
	for i := 0; i < 3; i++ {
		if err := c.Handle(context.Background(), "orders:completed", entry); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}
	if len(hub.events) != 1 {
		t.Fatalf("redelivery must collapse to one broadcast, got %d", len(hub.events))
	}
}

func TestOrderCompletedConsumer_AcksMalformedEntries(t *testing.T) {
	t.Parallel()

	hub := &captureHub{}
	c := NewOrderCompletedConsumer(NewInMemoryProcessedStore(), hub, t.Logf)

	if err := c.Handle(context.Background(), "orders:completed", map[string]any{"payload": "{}"}); err != nil {
		t.Fatalf("malformed entry must ack, got %v", err)
	}
	if err := c.Handle(context.Background(), "orders:completed", map[string]any{
		"aggregate_id": "order-1",
		"event_type":   checkout.EventOrderCompleted,
		"payload":      "not json",
	}); err != nil {
		t.Fatalf("bad payload must ack, got %v", err)
	}
	if len(hub.events) != 0 {
		t.Fatalf("malformed entries must not broadcast, got %d", len(hub.events))
	}
}

type failingProcessedStore struct{}

func (failingProcessedStore) Mark(context.Context, string, string) (bool, error) {
	return false, errors.New("db down")
}

func TestOrderCompletedConsumer_StoreFailureLeavesEntryPending(t *testing.T) {
	t.Parallel()

	c := NewOrderCompletedConsumer(failingProcessedStore{}, &captureHub{}, t.Logf)
	err := c.Handle(context.Background(), "orders:completed", orderCompletedEntry(t, "order-1", "u1", 300))
	if err == nil {
		t.Fatal("store failure must surface for redelivery")
	}
}
