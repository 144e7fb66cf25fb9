package guard

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	err := InTx(context.Background(), db, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(context.Background(), "UPDATE accounts SET amount = 1")
		return execErr
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectClose()

	boom := errors.New("boom")
	err := InTx(context.Background(), db, func(*sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestInTx_RollsBackOnPanic(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectClose()

	defer func() {
		if p := recover(); p == nil {
			t.Fatal("expected panic to propagate")
		}
	}()
	_ = InTx(context.Background(), db, func(*sql.Tx) error { panic("boom") })
}

func TestInTx_BeginFailure(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin().WillReturnError(errors.New("db down"))
	mock.ExpectClose()

	err := InTx(context.Background(), db, func(*sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected begin error")
	}
}
