package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublisher_PublishIssueRequest(t *testing.T) {
	srv, client := newTestClient(t)

	p := NewPublisher(client, 0)
	req := IssueRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		CouponID:    "c1",
		RequestedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := p.PublishIssueRequest(context.Background(), req); err != nil {
		t.Fatalf("PublishIssueRequest: %v", err)
	}

	entries, err := srv.Stream(CouponIssueStream("c1"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	values := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	if values["request_id"] != "req-1" || values["user_id"] != "u1" || values["coupon_id"] != "c1" {
		t.Fatalf("unexpected entry values: %v", values)
	}
}

func TestPublisher_CanceledContext(t *testing.T) {
	_, client := newTestClient(t)

	p := NewPublisher(client, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, "s", map[string]any{"k": "v"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConsumer_PollDispatchesAndAcks(t *testing.T) {
	_, client := newTestClient(t)

	p := NewPublisher(client, 0)
	stream := CouponIssueStream("c1")
	if err := p.Publish(context.Background(), stream, map[string]any{"user_id": "u1", "coupon_id": "c1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)

	var handled []map[string]any
	handler := func(_ context.Context, s string, values map[string]any) error {
		if s != stream {
			t.Fatalf("unexpected stream %s", s)
		}
		handled = append(handled, values)
		return nil
	}
	if err := c.Poll(context.Background(), []string{stream}, handler); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(handled) != 1 {
		t.Fatalf("expected 1 handled entry, got %d", len(handled))
	}
	if handled[0]["user_id"] != "u1" {
		t.Fatalf("unexpected values %v", handled[0])
	}

	// Acked entries are not redelivered.
	handled = nil
	if err := c.Poll(context.Background(), []string{stream}, handler); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(handled) != 0 {
		t.Fatalf("acked entry redelivered: %v", handled)
	}
}

func TestConsumer_FailedHandlerLeavesEntryPending(t *testing.T) {
	_, client := newTestClient(t)

	p := NewPublisher(client, 0)
	stream := CouponIssueStream("c1")
	if err := p.Publish(context.Background(), stream, map[string]any{"user_id": "u1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)
	boom := errors.New("transient")
	if err := c.Poll(context.Background(), []string{stream}, func(context.Context, string, map[string]any) error {
		return boom
	}); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	pending, err := client.XPending(context.Background(), stream, "issuers").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected 1 pending entry, got %d", pending.Count)
	}
}

func TestConsumer_ReclaimRedeliversFailedEntry(t *testing.T) {
	_, client := newTestClient(t)

	p := NewPublisher(client, 0)
	stream := CouponIssueStream("c1")
	if err := p.Publish(context.Background(), stream, map[string]any{"user_id": "u1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// worker-1 fails the first delivery and never acks.
	w1 := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)
	w1.SetReclaim(0, 5)
	if err := w1.Poll(context.Background(), []string{stream}, func(context.Context, string, map[string]any) error {
		return errors.New("transient")
	}); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// A second worker reclaims the pending entry and handles it.
	w2 := NewConsumer(client, "issuers", "worker-2", 10*time.Millisecond, t.Logf)
	w2.SetReclaim(0, 5)
	var handled []map[string]any
	if err := w2.Reclaim(context.Background(), []string{stream}, func(_ context.Context, s string, values map[string]any) error {
		if s != stream {
			t.Fatalf("unexpected stream %s", s)
		}
		handled = append(handled, values)
		return nil
	}); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(handled) != 1 || handled[0]["user_id"] != "u1" {
		t.Fatalf("expected redelivery of the failed entry, got %v", handled)
	}

	pending, err := client.XPending(context.Background(), stream, "issuers").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("handled entry must be acked, %d still pending", pending.Count)
	}
}

func TestConsumer_ReclaimParksPoisonEntry(t *testing.T) {
	srv, client := newTestClient(t)

	p := NewPublisher(client, 0)
	stream := CouponIssueStream("c1")
	if err := p.Publish(context.Background(), stream, map[string]any{"user_id": "u1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	c := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)
	// One delivery allowed, so the entry is poison after the first failure.
	c.SetReclaim(0, 1)
	if err := c.Poll(context.Background(), []string{stream}, func(context.Context, string, map[string]any) error {
		return errors.New("permanent")
	}); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := c.Reclaim(context.Background(), []string{stream}, func(context.Context, string, map[string]any) error {
		t.Fatal("poison entry must not be redispatched")
		return nil
	}); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	dead, err := srv.Stream(DeadStream(stream))
	if err != nil {
		t.Fatalf("dead stream: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 parked entry, got %d", len(dead))
	}

	pending, err := client.XPending(context.Background(), stream, "issuers").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("parked entry must be acked, %d still pending", pending.Count)
	}
}

func TestConsumer_PollToleratesEmptyStreams(t *testing.T) {
	_, client := newTestClient(t)

	c := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)
	if err := c.Poll(context.Background(), nil, nil); err != nil {
		t.Fatalf("Poll with no streams: %v", err)
	}

	// A declared stream with no entries yields no error and no dispatch.
	err := c.Poll(context.Background(), []string{"coupon:issue:empty"}, func(context.Context, string, map[string]any) error {
		t.Fatal("handler must not run")
		return nil
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestConsumer_GroupRecreationTolerated(t *testing.T) {
	_, client := newTestClient(t)

	stream := CouponIssueStream("c1")
	c1 := NewConsumer(client, "issuers", "worker-1", 10*time.Millisecond, t.Logf)
	c2 := NewConsumer(client, "issuers", "worker-2", 10*time.Millisecond, t.Logf)

	// Both workers prepare the same group; the second hits BUSYGROUP and
	// must carry on.
	if err := c1.Poll(context.Background(), []string{stream}, nil); err != nil {
		t.Fatalf("worker-1 Poll: %v", err)
	}
	if err := c2.Poll(context.Background(), []string{stream}, nil); err != nil {
		t.Fatalf("worker-2 Poll: %v", err)
	}
}
