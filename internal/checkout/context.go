package checkout

import "time"

// LineItem is one ordered product option.
type LineItem struct {
	ProductID string
	OptionID  string
	Quantity  int
	UnitPrice int64
}

// OrderStatus captures the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is the persisted result of a successful saga run.
type Order struct {
	ID        string
	UserID    string
	Items     []LineItem
	CouponID  string
	Subtotal  int64
	Discount  int64
	Total     int64
	Status    OrderStatus
	CreatedAt time.Time
}

// Context threads input, partial results, and side-effect flags between
// saga steps. It is created once per run, owned by the orchestrator, and
// mutated only by steps during their own execute/compensate call.
type Context struct {
	UserID   string
	OrderID  string
	Items    []LineItem
	CouponID string
	Subtotal int64
	Discount int64
	Total    int64

	// Side-effect flags are the only source of truth for compensation
	// eligibility; compensation never infers from external state.
	OrderCreated      bool
	BalanceDeducted   bool
	DeductedAmount    int64
	InventoryDeducted bool
	DeductedStock     map[string]int // option id -> quantity actually deducted
	CouponUsed        bool
	UsedCouponID      string

	// Executed holds step names in execution order; compensation walks
	// it in strict reverse.
	Executed []string
}

// NewContext builds a run context from validated order input.
func NewContext(userID string, items []LineItem, couponID string, subtotal, discount, total int64) *Context {
	return &Context{
		UserID:        userID,
		Items:         items,
		CouponID:      couponID,
		Subtotal:      subtotal,
		Discount:      discount,
		Total:         total,
		DeductedStock: make(map[string]int),
	}
}

// MarkExecuted records a completed forward step. This is the commit point
// for compensation eligibility.
func (c *Context) MarkExecuted(name string) {
	c.Executed = append(c.Executed, name)
}

// Snapshot captures the compensation-relevant portion of the context for
// the dead-letter sink, so failed compensations can be replayed later.
type Snapshot struct {
	UserID            string         `json:"user_id"`
	OrderID           string         `json:"order_id,omitempty"`
	OrderCreated      bool           `json:"order_created,omitempty"`
	BalanceDeducted   bool           `json:"balance_deducted,omitempty"`
	DeductedAmount    int64          `json:"deducted_amount,omitempty"`
	InventoryDeducted bool           `json:"inventory_deducted,omitempty"`
	DeductedStock     map[string]int `json:"deducted_stock,omitempty"`
	CouponUsed        bool           `json:"coupon_used,omitempty"`
	UsedCouponID      string         `json:"used_coupon_id,omitempty"`
	Items             []LineItem     `json:"items,omitempty"`
}

// Snapshot extracts the replayable state of the context.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		UserID:            c.UserID,
		OrderID:           c.OrderID,
		OrderCreated:      c.OrderCreated,
		BalanceDeducted:   c.BalanceDeducted,
		DeductedAmount:    c.DeductedAmount,
		InventoryDeducted: c.InventoryDeducted,
		DeductedStock:     c.DeductedStock,
		CouponUsed:        c.CouponUsed,
		UsedCouponID:      c.UsedCouponID,
		Items:             c.Items,
	}
}

// Restore rebuilds a context from a dead-letter snapshot.
func (s Snapshot) Restore() *Context {
	ctx := &Context{
		UserID:            s.UserID,
		OrderID:           s.OrderID,
		Items:             s.Items,
		OrderCreated:      s.OrderCreated,
		BalanceDeducted:   s.BalanceDeducted,
		DeductedAmount:    s.DeductedAmount,
		InventoryDeducted: s.InventoryDeducted,
		DeductedStock:     s.DeductedStock,
		CouponUsed:        s.CouponUsed,
		UsedCouponID:      s.UsedCouponID,
	}
	if ctx.DeductedStock == nil {
		ctx.DeductedStock = make(map[string]int)
	}
	return ctx
}
