package checkout

import "time"

// EventOrderCompleted is the outbox event type recorded when an order is
// paid.
const EventOrderCompleted = "order.completed"

// OrderCompletedEvent is the payload of EventOrderCompleted.
type OrderCompletedEvent struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	TotalAmount int64     `json:"total_amount"`
	OccurredAt  time.Time `json:"occurred_at"`
}
