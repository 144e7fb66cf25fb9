package checkout

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tradepost/internal/deadletter"
)

// Reprocessor periodically retries pending failed compensations through
// the same step registry that produced them.
type Reprocessor struct {
	store    deadletter.Store
	registry *Registry
	batch    int
	logf     func(format string, args ...any)
}

// NewReprocessor constructs a reprocessor over the dead-letter store.
func NewReprocessor(store deadletter.Store, registry *Registry, batch int, logf func(format string, args ...any)) *Reprocessor {
	if batch <= 0 {
		batch = 20
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Reprocessor{store: store, registry: registry, batch: batch, logf: logf}
}

// Run retries pending rows until the context ends.
func (r *Reprocessor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				r.logf("dead-letter cycle: %v", err)
			}
		}
	}
}

// Cycle attempts every pending failed compensation once, resolving rows
// whose compensation now succeeds.
func (r *Reprocessor) Cycle(ctx context.Context) error {
	rows, err := r.store.ListPending(ctx, r.batch)
	if err != nil {
		return err
	}

	for _, row := range rows {
		step, ok := r.registry.Lookup(row.StepName)
		if !ok {
			r.logf("dead-letter: no step registered for %q (order %s)", row.StepName, row.OrderID)
			continue
		}

		var snap Snapshot
		if len(row.Context) > 0 {
			if err := json.Unmarshal(row.Context, &snap); err != nil {
				r.logf("dead-letter: bad context for order %s step %s: %v", row.OrderID, row.StepName, err)
				continue
			}
		}

		if err := step.Compensate(ctx, snap.Restore()); err != nil {
			r.logf("dead-letter: compensation of %s for order %s still failing: %v", row.StepName, row.OrderID, err)
			continue
		}
		if err := r.store.Resolve(ctx, row.ID); err != nil {
			r.logf("dead-letter: resolve %s: %v", row.ID, err)
		}
	}
	return nil
}
