package checkout

import (
	"context"
	"testing"

	"tradepost/internal/deadletter"
)

func TestReprocessor_ResolvesRecoveredCompensation(t *testing.T) {
	t.Parallel()

	balances := NewInMemoryBalanceStore(Balance{UserID: "u1", Amount: 700, Version: 1})
	step := NewDeductBalanceStep(balances, noDelayRetry())

	store := deadletter.NewInMemoryStore()
	sc := NewContext("u1", nil, "", 300, 0, 300)
	sc.OrderID = "order-1"
	sc.BalanceDeducted = true
	sc.DeductedAmount = 300

	failed := deadletter.NewFailedCompensation("order-1", "u1", step.Name(), step.Order(), context.DeadlineExceeded, sc.Snapshot())
	if err := store.Record(context.Background(), failed); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r := NewReprocessor(store, NewRegistry(step), 10, t.Logf)
	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	bal, _ := balances.Get(context.Background(), "u1")
	if bal.Amount != 1000 {
		t.Fatalf("expected refund applied, balance %d", bal.Amount)
	}

	pending, err := store.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows, got %+v", pending)
	}
}

func TestReprocessor_KeepsStillFailingRows(t *testing.T) {
	t.Parallel()

	// No balance row exists, so the refund keeps failing.
	balances := NewInMemoryBalanceStore()
	step := NewDeductBalanceStep(balances, noDelayRetry())

	store := deadletter.NewInMemoryStore()
	sc := NewContext("ghost", nil, "", 300, 0, 300)
	sc.BalanceDeducted = true
	sc.DeductedAmount = 300

	failed := deadletter.NewFailedCompensation("order-1", "ghost", step.Name(), step.Order(), ErrBalanceNotFound, sc.Snapshot())
	if err := store.Record(context.Background(), failed); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r := NewReprocessor(store, NewRegistry(step), 10, t.Logf)
	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	pending, _ := store.ListPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("row must stay pending, got %+v", pending)
	}
}

func TestReprocessor_SkipsUnknownStep(t *testing.T) {
	t.Parallel()

	store := deadletter.NewInMemoryStore()
	failed := deadletter.NewFailedCompensation("order-1", "u1", "legacy_step", 9, context.DeadlineExceeded, Snapshot{UserID: "u1"})
	if err := store.Record(context.Background(), failed); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r := NewReprocessor(store, NewRegistry(), 10, t.Logf)
	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	pending, _ := store.ListPending(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("unknown step must stay pending, got %+v", pending)
	}
}
