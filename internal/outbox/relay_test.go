package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedPublish struct {
	stream string
	values map[string]any
}

type fakeBus struct {
	mu        sync.Mutex
	published []capturedPublish
	failFor   map[string]error // message id -> error
}

func (b *fakeBus) Publish(_ context.Context, stream string, values map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, _ := values["message_id"].(string)
	if err, ok := b.failFor[id]; ok {
		return err
	}
	b.published = append(b.published, capturedPublish{stream: stream, values: values})
	return nil
}

func mustAdd(t *testing.T, store *InMemoryStore, eventType, aggregateID string, payload any) Message {
	t.Helper()
	msg, err := NewMessage(eventType, aggregateID, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := store.Add(context.Background(), msg); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return msg
}

func TestRelay_PublishesPendingMessages(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	bus := &fakeBus{}
	msg := mustAdd(t, store, "order.completed", "order-1", map[string]string{"order_id": "order-1"})

	relay := NewRelay(store, bus, func(eventType string) string { return "orders:completed" }, RelayConfig{}, t.Logf)
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(bus.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(bus.published))
	}
	got := bus.published[0]
	if got.stream != "orders:completed" {
		t.Fatalf("unexpected stream %s", got.stream)
	}
	if got.values["message_id"] != msg.ID || got.values["event_type"] != "order.completed" {
		t.Fatalf("unexpected values %+v", got.values)
	}

	row, _ := store.Get(msg.ID)
	if row.Status != StatusPublished || row.PublishedAt == nil {
		t.Fatalf("expected published row, got %+v", row)
	}

	// A second cycle must not re-deliver.
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("published row re-delivered, %d publishes", len(bus.published))
	}
}

func TestRelay_RetriesUntilCeilingThenParksFailed(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	msg := mustAdd(t, store, "order.completed", "order-1", nil)
	bus := &fakeBus{failFor: map[string]error{msg.ID: errors.New("broker down")}}

	relay := NewRelay(store, bus, nil, RelayConfig{MaxRetries: 3}, t.Logf)
	for i := 0; i < 3; i++ {
		if err := relay.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle %d: %v", i, err)
		}
	}

	row, _ := store.Get(msg.ID)
	if row.Status != StatusFailed {
		t.Fatalf("expected failed after retry ceiling, got %s", row.Status)
	}
	if row.RetryCount != 3 {
		t.Fatalf("expected 3 attempts, got %d", row.RetryCount)
	}

	// Parked messages are not retried.
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle after park: %v", err)
	}
	row, _ = store.Get(msg.ID)
	if row.RetryCount != 3 {
		t.Fatalf("failed row was retried, attempts %d", row.RetryCount)
	}
}

func TestRelay_ReclaimsStalePublishing(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	base := time.Now()
	store.SetNow(func() time.Time { return base })
	msg := mustAdd(t, store, "order.completed", "order-1", nil)

	// A crashed relay instance fetched the row and never resolved it.
	if _, err := store.FetchDue(context.Background(), 10, time.Minute); err != nil {
		t.Fatalf("FetchDue: %v", err)
	}
	row, _ := store.Get(msg.ID)
	if row.Status != StatusPublishing {
		t.Fatalf("expected publishing, got %s", row.Status)
	}

	bus := &fakeBus{}
	relay := NewRelay(store, bus, nil, RelayConfig{StaleAfter: time.Minute}, t.Logf)

	// Within the stale window nothing is picked up.
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(bus.published) != 0 {
		t.Fatal("fresh publishing row must not be reclaimed")
	}

	store.SetNow(func() time.Time { return base.Add(2 * time.Minute) })
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("stale publishing row not reclaimed, %d publishes", len(bus.published))
	}
}

func TestRelay_RouteDefaultsToEventType(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	bus := &fakeBus{}
	mustAdd(t, store, "coupon.granted", "c1", nil)

	relay := NewRelay(store, bus, nil, RelayConfig{}, t.Logf)
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if bus.published[0].stream != "coupon.granted" {
		t.Fatalf("unexpected stream %s", bus.published[0].stream)
	}
}

func TestRelay_BatchSizeBoundsCycle(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	bus := &fakeBus{}
	for i := 0; i < 5; i++ {
		msg, err := NewMessage("order.completed", "order", nil)
		if err != nil {
			t.Fatalf("NewMessage: %v", err)
		}
		msg.CreatedAt = msg.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if err := store.Add(context.Background(), msg); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	relay := NewRelay(store, bus, nil, RelayConfig{BatchSize: 2}, t.Logf)
	if err := relay.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(bus.published) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(bus.published))
	}
}
