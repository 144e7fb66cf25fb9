package deadletter

import (
	"context"
	"sync"
)

// InMemoryStore keeps failed compensations in memory.
type InMemoryStore struct {
	mu   sync.Mutex
	rows []FailedCompensation
}

// NewInMemoryStore constructs an in-memory dead-letter store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Record(ctx context.Context, failed FailedCompensation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, failed)
	return nil
}

func (s *InMemoryStore) ListPending(ctx context.Context, limit int) ([]FailedCompensation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FailedCompensation
	for _, row := range s.rows {
		if row.Status != StatusPending {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			s.rows[i].Status = StatusResolved
			return nil
		}
	}
	return nil
}

// All returns a copy of every recorded row (for testing/inspection).
func (s *InMemoryStore) All() []FailedCompensation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedCompensation, len(s.rows))
	copy(out, s.rows)
	return out
}
