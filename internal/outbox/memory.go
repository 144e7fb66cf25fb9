package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a map-backed outbox store for tests and local runs.
type InMemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Message
	now  func() time.Time

	publishingAt map[string]time.Time
}

// NewInMemoryStore constructs an empty in-memory outbox store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:         make(map[string]*Message),
		now:          time.Now,
		publishingAt: make(map[string]time.Time),
	}
}

// SetNow overrides the clock (for testing staleness reclaim).
func (s *InMemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Add inserts a message.
func (s *InMemoryStore) Add(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := msg
	s.rows[msg.ID] = &copied
	return nil
}

func (s *InMemoryStore) FetchDue(ctx context.Context, limit int, staleAfter time.Duration) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Message
	for _, row := range s.rows {
		switch row.Status {
		case StatusPending:
			due = append(due, row)
		case StatusPublishing:
			if now.Sub(s.publishingAt[row.ID]) >= staleAfter {
				due = append(due, row)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Message, 0, len(due))
	for _, row := range due {
		row.Status = StatusPublishing
		s.publishingAt[row.ID] = now
		out = append(out, *row)
	}
	return out, nil
}

func (s *InMemoryStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		now := s.now()
		row.Status = StatusPublished
		row.PublishedAt = &now
	}
	return nil
}

func (s *InMemoryStore) MarkFailedAttempt(ctx context.Context, id string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.RetryCount++
		if row.RetryCount >= maxRetries {
			row.Status = StatusFailed
		} else {
			row.Status = StatusPending
		}
	}
	return nil
}

// Get returns a message by id (for testing/inspection).
func (s *InMemoryStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return Message{}, false
	}
	return *row, true
}
