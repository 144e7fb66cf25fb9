package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryLedger_ClaimAndComplete(t *testing.T) {
	t.Parallel()

	ledger := NewInMemoryLedger()
	ticket, err := ledger.Begin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !ticket.New {
		t.Fatal("first claim must be new")
	}

	if err := ticket.Complete(context.Background(), "order-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	dup, err := ledger.Begin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("duplicate Begin: %v", err)
	}
	if dup.New {
		t.Fatal("duplicate claim must not be new")
	}
	if dup.Status != StatusCompleted || dup.ResultID != "order-1" {
		t.Fatalf("unexpected duplicate ticket: %+v", dup)
	}
}

func TestInMemoryLedger_DuplicateBlocksUntilResolution(t *testing.T) {
	t.Parallel()

	ledger := NewInMemoryLedger()
	first, err := ledger.Begin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	type result struct {
		ticket *Ticket
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		ticket, err := ledger.Begin(context.Background(), "tok")
		resultCh <- result{ticket, err}
	}()

	select {
	case <-resultCh:
		t.Fatal("duplicate must block while the first claim is open")
	case <-time.After(30 * time.Millisecond):
	}

	if err := first.Complete(context.Background(), "order-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("blocked Begin: %v", r.err)
		}
		if r.ticket.New || r.ticket.ResultID != "order-1" {
			t.Fatalf("unexpected ticket after resolution: %+v", r.ticket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate never unblocked")
	}
}

func TestInMemoryLedger_AbortFreesToken(t *testing.T) {
	t.Parallel()

	ledger := NewInMemoryLedger()
	first, err := ledger.Begin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := first.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	second, err := ledger.Begin(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Begin after abort: %v", err)
	}
	if !second.New {
		t.Fatal("token must be claimable again after abort")
	}
}

func TestInMemoryLedger_BlockedCallerHonorsContext(t *testing.T) {
	t.Parallel()

	ledger := NewInMemoryLedger()
	if _, err := ledger.Begin(context.Background(), "tok"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ledger.Begin(ctx, "tok")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
