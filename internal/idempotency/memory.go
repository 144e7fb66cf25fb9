package idempotency

import (
	"context"
	"sync"
)

type memoryEntry struct {
	status   Status
	resultID string
	resolved chan struct{}
}

// InMemoryLedger is a map-backed Ledger for tests and local development.
// It reproduces the blocking contract of the SQL ledger: a duplicate
// token waits for the first submission to resolve.
type InMemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewInMemoryLedger constructs an empty in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{entries: make(map[string]*memoryEntry)}
}

// Begin claims the token or waits for the existing claim to resolve.
func (l *InMemoryLedger) Begin(ctx context.Context, token string) (*Ticket, error) {
	for {
		l.mu.Lock()
		entry, ok := l.entries[token]
		if !ok {
			entry = &memoryEntry{status: StatusPending, resolved: make(chan struct{})}
			l.entries[token] = entry
			l.mu.Unlock()
			return NewTicket(
				func(ctx context.Context, resultID string) error {
					l.mu.Lock()
					entry.status = StatusCompleted
					entry.resultID = resultID
					close(entry.resolved)
					l.mu.Unlock()
					return nil
				},
				func() error {
					l.mu.Lock()
					delete(l.entries, token)
					close(entry.resolved)
					l.mu.Unlock()
					return nil
				},
			), nil
		}
		if entry.status == StatusCompleted {
			l.mu.Unlock()
			return Observed(StatusCompleted, entry.resultID), nil
		}
		resolved := entry.resolved
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-resolved:
			// Aborted entries disappear, so loop and try to claim again.
		}
	}
}
