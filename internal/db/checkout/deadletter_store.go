package checkoutdb

import (
	"context"
	"database/sql"

	"tradepost/internal/deadletter"
)

// DeadLetterStore persists failed compensations in Postgres.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore constructs a DeadLetterStore backed by Postgres.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// NewDeadLetterStoreWithSchema initializes the schema then returns the store.
func NewDeadLetterStoreWithSchema(ctx context.Context, db *sql.DB) (*DeadLetterStore, error) {
	store := NewDeadLetterStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the failed_compensations table if it does not exist.
func (s *DeadLetterStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS failed_compensations (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			reason TEXT,
			context JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ,
			UNIQUE (order_id, step_name)
		)
	`)
	return err
}

// Record inserts a failed compensation; a repeat failure for the same
// (order, step) refreshes the reason instead of duplicating the row.
func (s *DeadLetterStore) Record(ctx context.Context, failed deadletter.FailedCompensation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_compensations (id, order_id, user_id, step_name, step_order, reason, context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, step_name) DO UPDATE
		SET reason = EXCLUDED.reason, context = EXCLUDED.context, status = 'pending'`,
		failed.ID, failed.OrderID, failed.UserID, failed.StepName, failed.StepOrder,
		failed.Reason, []byte(failed.Context), string(failed.Status), failed.CreatedAt,
	)
	return err
}

// ListPending returns pending rows, oldest first.
func (s *DeadLetterStore) ListPending(ctx context.Context, limit int) ([]deadletter.FailedCompensation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, step_name, step_order, COALESCE(reason, ''), COALESCE(context, 'null'), status, created_at
		FROM failed_compensations
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deadletter.FailedCompensation
	for rows.Next() {
		var row deadletter.FailedCompensation
		var status string
		var contextRaw []byte
		if err := rows.Scan(&row.ID, &row.OrderID, &row.UserID, &row.StepName, &row.StepOrder, &row.Reason, &contextRaw, &status, &row.CreatedAt); err != nil {
			return nil, err
		}
		row.Context = contextRaw
		row.Status = deadletter.Status(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Resolve marks the row reprocessed.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE failed_compensations
		SET status = 'resolved', resolved_at = NOW()
		WHERE id = $1`,
		id,
	)
	return err
}
