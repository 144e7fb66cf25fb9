package guard

import (
	"context"
	"database/sql"
	"fmt"
)

// InTx runs fn inside a database transaction, committing on success and
// rolling back on error or panic. Row locks taken inside fn (SELECT ...
// FOR UPDATE) are held until the transaction resolves, which is what
// serializes pessimistic writers on the same row.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
