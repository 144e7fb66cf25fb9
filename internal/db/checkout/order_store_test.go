package checkoutdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"tradepost/internal/checkout"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestOrderStore_Create(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("order-1", "u1", "c1", int64(400), int64(100), int64(300), "pending", createdAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("order-1", "p1", "opt-1", 2, int64(200)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewOrderStore(db)
	err := store.Create(context.Background(), &checkout.Order{
		ID:        "order-1",
		UserID:    "u1",
		CouponID:  "c1",
		Subtotal:  400,
		Discount:  100,
		Total:     300,
		Status:    checkout.OrderStatusPending,
		CreatedAt: createdAt,
		Items: []checkout.LineItem{
			{ProductID: "p1", OptionID: "opt-1", Quantity: 2, UnitPrice: 200},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_CreateWithoutCoupon(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	createdAt := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("order-1", "u1", nil, int64(400), int64(0), int64(400), "pending", createdAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewOrderStore(db)
	err := store.Create(context.Background(), &checkout.Order{
		ID:        "order-1",
		UserID:    "u1",
		Subtotal:  400,
		Total:     400,
		Status:    checkout.OrderStatusPending,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestOrderStore_Get(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT order_id, user_id, COALESCE").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "user_id", "coupon_id", "subtotal", "discount", "total", "status", "created_at"}).
			AddRow("order-1", "u1", "", int64(400), int64(0), int64(400), "paid", createdAt))
	mock.ExpectQuery("SELECT product_id, option_id, quantity, unit_price").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "option_id", "quantity", "unit_price"}).
			AddRow("p1", "opt-1", 2, int64(200)))
	mock.ExpectClose()

	store := NewOrderStore(db)
	order, err := store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != checkout.OrderStatusPaid {
		t.Fatalf("unexpected status %q", order.Status)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
}

func TestOrderStore_GetMissing(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, user_id, COALESCE").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	store := NewOrderStore(db)
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, checkout.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderStore_CancelIfPending(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE orders").
		WithArgs("order-1", "cancelled", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewOrderStore(db)
	cancelled, err := store.CancelIfPending(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("CancelIfPending: %v", err)
	}
	if !cancelled {
		t.Fatal("expected pending order to be cancelled")
	}
}

func TestOrderStore_CancelIfPendingAlreadyPaid(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE orders").
		WithArgs("order-1", "cancelled", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewOrderStore(db)
	cancelled, err := store.CancelIfPending(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("CancelIfPending: %v", err)
	}
	if cancelled {
		t.Fatal("paid order must not report cancelled")
	}
}

func TestOrderStore_Complete(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, total FROM orders").
		WithArgs("order-1", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total"}).AddRow("u1", int64(300)))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("order-1", "paid").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(sqlmock.AnyArg(), "order-1", checkout.EventOrderCompleted, sqlmock.AnyArg(), "pending").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewOrderStore(db)
	store.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	if err := store.Complete(context.Background(), "order-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestOrderStore_CompleteNotPending(t *testing.T) {
	db, mock, cleanup := newCheckoutMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, total FROM orders").
		WithArgs("order-1", "pending").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewOrderStore(db)
	err := store.Complete(context.Background(), "order-1")
	if !errors.Is(err, checkout.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
