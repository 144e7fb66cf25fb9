package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/checkout"
	"tradepost/internal/guard"
)

// OrderStore persists orders in Postgres. Completing an order writes the
// order-completed outbox row inside the same transaction, which is the
// atomicity the outbox pattern buys without a cross-resource transaction.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			coupon_id TEXT,
			subtotal BIGINT NOT NULL,
			discount BIGINT NOT NULL,
			total BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			option_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price BIGINT NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(order_id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts the order and its items in pending state.
func (s *OrderStore) Create(ctx context.Context, order *checkout.Order) error {
	return guard.InTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, user_id, coupon_id, subtotal, discount, total, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, order.UserID, nullable(order.CouponID), order.Subtotal, order.Discount, order.Total, string(order.Status), order.CreatedAt,
		)
		if err != nil {
			return err
		}

		for _, item := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, option_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)`,
				order.ID, item.ProductID, item.OptionID, item.Quantity, item.UnitPrice,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads one order with its items.
func (s *OrderStore) Get(ctx context.Context, orderID string) (checkout.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, COALESCE(coupon_id, ''), subtotal, discount, total, status, created_at
		FROM orders
		WHERE order_id = $1`,
		orderID,
	)

	var order checkout.Order
	var status string
	if err := row.Scan(&order.ID, &order.UserID, &order.CouponID, &order.Subtotal, &order.Discount, &order.Total, &status, &order.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkout.Order{}, checkout.ErrOrderNotFound
		}
		return checkout.Order{}, err
	}
	order.Status = checkout.OrderStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, option_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return checkout.Order{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var item checkout.LineItem
		if err := rows.Scan(&item.ProductID, &item.OptionID, &item.Quantity, &item.UnitPrice); err != nil {
			return checkout.Order{}, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

// CancelIfPending transitions pending -> cancelled. Orders that already
// left pending are left untouched and reported as not cancelled.
func (s *OrderStore) CancelIfPending(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = $3`,
		orderID, string(checkout.OrderStatusCancelled), string(checkout.OrderStatusPending),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Complete transitions pending -> paid and inserts the order-completed
// outbox row in the same transaction.
func (s *OrderStore) Complete(ctx context.Context, orderID string) error {
	return guard.InTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT user_id, total FROM orders
			WHERE order_id = $1 AND status = $2
			FOR UPDATE`,
			orderID, string(checkout.OrderStatusPending),
		)
		var userID string
		var total int64
		if err := row.Scan(&userID, &total); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return checkout.ErrOrderNotFound
			}
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, updated_at = NOW()
			WHERE order_id = $1`,
			orderID, string(checkout.OrderStatusPaid),
		)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(checkout.OrderCompletedEvent{
			OrderID:     orderID,
			UserID:      userID,
			TotalAmount: total,
			OccurredAt:  s.now().UTC(),
		})
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (message_id, aggregate_id, event_type, payload, status)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), orderID, checkout.EventOrderCompleted, payload, "pending",
		)
		return err
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
