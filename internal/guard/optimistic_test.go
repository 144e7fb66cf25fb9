package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_SucceedsAfterConflicts(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return ErrVersionConflict
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicy_NonRetryableSurfacesImmediately(t *testing.T) {
	t.Parallel()

	boom := errors.New("insufficient funds")
	policy := RetryPolicy{MaxAttempts: 5}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestRetryPolicy_MaxDelayCaps(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	_ = policy.Do(context.Background(), func() error { return ErrVersionConflict })
	for i, d := range slept {
		if d > 15*time.Millisecond {
			t.Fatalf("sleep %d exceeded cap: %v", i, d)
		}
	}
}

func TestRetryPolicy_CanceledContextStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       SleepWithContext,
	}

	calls := 0
	err := policy.Do(ctx, func() error {
		calls++
		cancel()
		return ErrVersionConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestSleepWithContext_ReturnsEarlyOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepWithContext(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("sleep did not honor cancellation")
	}
}

func TestDefaultJitter_StaysWithinBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := defaultJitter(base)
		if got < base/2 || got > base {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}
