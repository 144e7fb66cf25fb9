package checkoutdb

import (
	"context"
	"database/sql"
)

// ProcessedEventStore records handled (aggregate, eventType) pairs in
// Postgres. The unique pair constraint is the consumer-side dedup for
// at-least-once outbox delivery.
type ProcessedEventStore struct {
	db *sql.DB
}

// NewProcessedEventStore constructs a ProcessedEventStore backed by Postgres.
func NewProcessedEventStore(db *sql.DB) *ProcessedEventStore {
	return &ProcessedEventStore{db: db}
}

// NewProcessedEventStoreWithSchema initializes the schema then returns the store.
func NewProcessedEventStoreWithSchema(ctx context.Context, db *sql.DB) (*ProcessedEventStore, error) {
	store := NewProcessedEventStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the processed_events table if it does not exist.
func (s *ProcessedEventStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (aggregate_id, event_type)
		)
	`)
	return err
}

// Mark records the pair, reporting false when it was already present.
func (s *ProcessedEventStore) Mark(ctx context.Context, aggregateID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (aggregate_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (aggregate_id, event_type) DO NOTHING`,
		aggregateID, eventType,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
