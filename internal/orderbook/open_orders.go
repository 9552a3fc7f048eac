package orderbook

import (
	"sync"

	"github.com/koinkuexchange/arke/internal/domain"
)

// OpenOrders tracks the engine's own live orders for one market, keyed by
// (side, price). The scheduler owns one instance per market and is the only
// writer; strategies never touch it.
type OpenOrders struct {
	market string

	mu     sync.RWMutex
	orders map[string]domain.Order // LevelKey -> live order
}

// NewOpenOrders returns an empty ledger for the given market id.
func NewOpenOrders(market string) *OpenOrders {
	return &OpenOrders{
		market: market,
		orders: make(map[string]domain.Order),
	}
}

// Market returns the market id this ledger tracks.
func (oo *OpenOrders) Market() string { return oo.market }

// Add records a live order at its price level, overwriting any previous entry
// for the same level.
func (oo *OpenOrders) Add(o domain.Order) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.orders[domain.LevelKey(oo.market, o.Side, o.Price)] = o
}

// Remove drops the order at the given price level. No-op when absent.
func (oo *OpenOrders) Remove(side domain.Side, price float64) {
	oo.mu.Lock()
	defer oo.mu.Unlock()
	delete(oo.orders, domain.LevelKey(oo.market, side, price))
}

// Get returns the live order at a price level.
func (oo *OpenOrders) Get(side domain.Side, price float64) (domain.Order, bool) {
	oo.mu.RLock()
	defer oo.mu.RUnlock()
	o, ok := oo.orders[domain.LevelKey(oo.market, side, price)]
	return o, ok
}

// Contains reports whether a live order exists at the price level.
func (oo *OpenOrders) Contains(side domain.Side, price float64) bool {
	_, ok := oo.Get(side, price)
	return ok
}

// Orders returns a snapshot of all tracked live orders.
func (oo *OpenOrders) Orders() []domain.Order {
	oo.mu.RLock()
	defer oo.mu.RUnlock()
	out := make([]domain.Order, 0, len(oo.orders))
	for _, o := range oo.orders {
		out = append(out, o)
	}
	return out
}

// Len returns the number of tracked live orders.
func (oo *OpenOrders) Len() int {
	oo.mu.RLock()
	defer oo.mu.RUnlock()
	return len(oo.orders)
}

// Reset replaces the whole ledger with the given orders, used after a re-sync
// against the venue's actual open-order state.
func (oo *OpenOrders) Reset(orders []domain.Order) {
	next := make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		next[domain.LevelKey(oo.market, o.Side, o.Price)] = o
	}
	oo.mu.Lock()
	defer oo.mu.Unlock()
	oo.orders = next
}
