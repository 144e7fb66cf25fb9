package checkoutdb

import (
	"context"
	"database/sql"
	"time"

	"tradepost/internal/guard"
	"tradepost/internal/outbox"
)

// OutboxStore persists outbox messages in Postgres.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an OutboxStore backed by Postgres.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// NewOutboxStoreWithSchema initializes the schema then returns the store.
func NewOutboxStoreWithSchema(ctx context.Context, db *sql.DB) (*OutboxStore, error) {
	store := NewOutboxStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox_messages table if it does not exist.
func (s *OutboxStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS outbox_messages (
			message_id TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			publishing_at TIMESTAMPTZ,
			published_at TIMESTAMPTZ
		)
	`)
	return err
}

// Add inserts a pending message. Most insertions happen inside a domain
// transaction instead (see OrderStore.Complete); Add covers events that
// have no surrounding mutation.
func (s *OutboxStore) Add(ctx context.Context, msg outbox.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (message_id, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.AggregateID, msg.EventType, []byte(msg.Payload), string(msg.Status), msg.CreatedAt,
	)
	return err
}

// FetchDue claims pending messages plus publishing messages whose claim
// went stale, oldest first. Claimed rows move to publishing within the
// same transaction, so concurrent relay instances never double-claim a
// fresh message.
func (s *OutboxStore) FetchDue(ctx context.Context, limit int, staleAfter time.Duration) ([]outbox.Message, error) {
	var batch []outbox.Message
	err := guard.InTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT message_id, aggregate_id, event_type, payload, status, retry_count, created_at
			FROM outbox_messages
			WHERE status = 'pending'
			   OR (status = 'publishing' AND publishing_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			limit, staleAfter.Seconds(),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var msg outbox.Message
			var status string
			var payload []byte
			if err := rows.Scan(&msg.ID, &msg.AggregateID, &msg.EventType, &payload, &status, &msg.RetryCount, &msg.CreatedAt); err != nil {
				return err
			}
			msg.Payload = payload
			msg.Status = outbox.Status(status)
			batch = append(batch, msg)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range batch {
			_, err := tx.ExecContext(ctx, `
				UPDATE outbox_messages
				SET status = 'publishing', publishing_at = NOW()
				WHERE message_id = $1`,
				batch[i].ID,
			)
			if err != nil {
				return err
			}
			batch[i].Status = outbox.StatusPublishing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkPublished records broker acknowledgement.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'published', published_at = NOW()
		WHERE message_id = $1`,
		id,
	)
	return err
}

// MarkFailedAttempt increments the retry counter, parking the message as
// failed once the ceiling is reached.
func (s *OutboxStore) MarkFailedAttempt(ctx context.Context, id string, maxRetries int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END
		WHERE message_id = $1`,
		id, maxRetries,
	)
	return err
}
