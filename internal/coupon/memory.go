package coupon

import (
	"context"
	"sync"
	"time"

	"tradepost/internal/guard"
)

// InMemoryStockStore is a map-backed StockStore for tests and local runs.
type InMemoryStockStore struct {
	mu     sync.Mutex
	stocks map[string]Stock
}

// NewInMemoryStockStore constructs a stock store seeded with the given stocks.
func NewInMemoryStockStore(stocks ...Stock) *InMemoryStockStore {
	s := &InMemoryStockStore{stocks: make(map[string]Stock, len(stocks))}
	for _, stock := range stocks {
		s.stocks[stock.CouponID] = stock
	}
	return s
}

func (s *InMemoryStockStore) Get(ctx context.Context, couponID string) (Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock, ok := s.stocks[couponID]
	if !ok {
		return Stock{}, ErrStockNotFound
	}
	return stock, nil
}

func (s *InMemoryStockStore) CompareAndSwap(ctx context.Context, couponID string, remaining, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stock, ok := s.stocks[couponID]
	if !ok {
		return ErrStockNotFound
	}
	if stock.Version != expectedVersion {
		return guard.ErrVersionConflict
	}
	stock.Remaining = remaining
	stock.Version++
	s.stocks[couponID] = stock
	return nil
}

func (s *InMemoryStockStore) ListActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, stock := range s.stocks {
		if stock.Remaining > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// InMemoryGrantStore is a map-backed GrantStore for tests and local runs.
type InMemoryGrantStore struct {
	mu     sync.Mutex
	grants map[string]time.Time // userID + "\x00" + couponID
}

// NewInMemoryGrantStore constructs an empty grant store.
func NewInMemoryGrantStore() *InMemoryGrantStore {
	return &InMemoryGrantStore{grants: make(map[string]time.Time)}
}

func grantKey(userID, couponID string) string {
	return userID + "\x00" + couponID
}

func (s *InMemoryGrantStore) Grant(ctx context.Context, userID, couponID string, grantedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(userID, couponID)
	if _, ok := s.grants[key]; ok {
		return false, nil
	}
	s.grants[key] = grantedAt
	return true, nil
}

// Granted reports whether the user holds the coupon (for testing/inspection).
func (s *InMemoryGrantStore) Granted(userID, couponID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[grantKey(userID, couponID)]
	return ok
}

// Count returns the number of grant rows (for testing/inspection).
func (s *InMemoryGrantStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}
