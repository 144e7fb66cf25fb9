package checkout

import (
	"context"
	"sync"
	"time"

	"tradepost/internal/guard"
	"tradepost/internal/outbox"
)

// InMemoryBalanceStore is a map-backed BalanceStore for tests and local runs.
type InMemoryBalanceStore struct {
	mu       sync.Mutex
	balances map[string]Balance
	ledger   []LedgerEntry
}

// NewInMemoryBalanceStore constructs a balance store seeded with the
// given balances.
func NewInMemoryBalanceStore(balances ...Balance) *InMemoryBalanceStore {
	s := &InMemoryBalanceStore{balances: make(map[string]Balance, len(balances))}
	for _, b := range balances {
		s.balances[b.UserID] = b
	}
	return s
}

func (s *InMemoryBalanceStore) Get(ctx context.Context, userID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (s *InMemoryBalanceStore) CompareAndSwap(ctx context.Context, userID string, newAmount, expectedVersion int64, entry LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return ErrBalanceNotFound
	}
	if b.Version != expectedVersion {
		return guard.ErrVersionConflict
	}
	b.Amount = newAmount
	b.Version++
	s.balances[userID] = b
	s.ledger = append(s.ledger, entry)
	return nil
}

// Ledger returns recorded ledger entries (for testing/inspection).
func (s *InMemoryBalanceStore) Ledger() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// InMemoryInventoryStore is a map-backed InventoryStore for tests and
// local runs.
type InMemoryInventoryStore struct {
	mu    sync.Mutex
	stock map[string]int
}

// NewInMemoryInventoryStore constructs an inventory store seeded with
// option quantities.
func NewInMemoryInventoryStore(stock map[string]int) *InMemoryInventoryStore {
	s := &InMemoryInventoryStore{stock: make(map[string]int, len(stock))}
	for optionID, qty := range stock {
		s.stock[optionID] = qty
	}
	return s
}

func (s *InMemoryInventoryStore) Deduct(ctx context.Context, optionID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.stock[optionID]
	if !ok {
		return ErrOptionNotFound
	}
	if current < qty {
		return ErrInsufficientStock
	}
	s.stock[optionID] = current - qty
	return nil
}

func (s *InMemoryInventoryStore) Restore(ctx context.Context, optionID string, qty int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.stock[optionID]
	if !ok {
		return false, nil
	}
	s.stock[optionID] = current + qty
	return true, nil
}

// Quantity returns an option's current stock (for testing/inspection).
func (s *InMemoryInventoryStore) Quantity(optionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qty, ok := s.stock[optionID]
	return qty, ok
}

// Delete removes an option entirely (for testing deleted-option paths).
func (s *InMemoryInventoryStore) Delete(optionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stock, optionID)
}

type memoryCoupon struct {
	used   bool
	userID string
	usedAt time.Time
}

// InMemoryCouponStore is a map-backed CouponStore for tests and local runs.
type InMemoryCouponStore struct {
	mu      sync.Mutex
	coupons map[string]*memoryCoupon
}

// NewInMemoryCouponStore constructs a coupon store holding the given
// unused coupons.
func NewInMemoryCouponStore(couponIDs ...string) *InMemoryCouponStore {
	s := &InMemoryCouponStore{coupons: make(map[string]*memoryCoupon, len(couponIDs))}
	for _, id := range couponIDs {
		s.coupons[id] = &memoryCoupon{}
	}
	return s
}

func (s *InMemoryCouponStore) Use(ctx context.Context, couponID, userID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[couponID]
	if !ok {
		return ErrCouponNotFound
	}
	if c.used {
		return ErrCouponUnavailable
	}
	c.used = true
	c.userID = userID
	c.usedAt = usedAt
	return nil
}

func (s *InMemoryCouponStore) Release(ctx context.Context, couponID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.coupons[couponID]; ok {
		c.used = false
		c.userID = ""
		c.usedAt = time.Time{}
	}
	return nil
}

// Used reports whether the coupon is consumed (for testing/inspection).
func (s *InMemoryCouponStore) Used(couponID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[couponID]
	return ok && c.used
}

// OutboxAppender is the slice of the outbox store used by order stores.
type OutboxAppender interface {
	Add(ctx context.Context, msg outbox.Message) error
}

// InMemoryOrderStore is a map-backed OrderStore for tests and local runs.
// Complete appends the order-completed event to the attached outbox under
// the same mutex, mirroring the SQL store's single transaction.
type InMemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	events OutboxAppender
	now    func() time.Time
}

// NewInMemoryOrderStore constructs an order store; events may be nil.
func NewInMemoryOrderStore(events OutboxAppender) *InMemoryOrderStore {
	return &InMemoryOrderStore{
		orders: make(map[string]*Order),
		events: events,
		now:    time.Now,
	}
}

func (s *InMemoryOrderStore) Create(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *InMemoryOrderStore) Get(ctx context.Context, orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *order, nil
}

func (s *InMemoryOrderStore) CancelIfPending(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Status != OrderStatusPending {
		return false, nil
	}
	order.Status = OrderStatusCancelled
	return true, nil
}

func (s *InMemoryOrderStore) Complete(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Status = OrderStatusPaid

	if s.events != nil {
		msg, err := outbox.NewMessage(EventOrderCompleted, order.ID, OrderCompletedEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			TotalAmount: order.Total,
			OccurredAt:  s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return s.events.Add(ctx, msg)
	}
	return nil
}
