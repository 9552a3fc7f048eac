// Package orderbook maintains the normalized two-sided book for one market.
// Books are built fresh from REST snapshots and patched with point updates;
// readers never observe a half-applied mutation.
package orderbook

import (
	"sort"
	"sync"

	"github.com/koinkuexchange/arke/internal/domain"
)

// PriceLevel is a single (price, aggregate volume) entry on a book side.
type PriceLevel struct {
	Price  float64
	Volume float64
}

// Book holds the bid and ask sides for one market. Bids are kept sorted
// highest-price-first, asks lowest-price-first, with unique price keys. All
// methods are safe for concurrent use; mutations only happen through Update
// and Replace.
type Book struct {
	market string

	mu   sync.RWMutex
	bids []PriceLevel // descending by price
	asks []PriceLevel // ascending by price
}

// New returns an empty book for the given market id.
func New(market string) *Book {
	return &Book{market: market}
}

// Market returns the market id this book belongs to.
func (b *Book) Market() string { return b.market }

// Update merges one price-level delta into the matching side. A volume of zero
// or below removes the level when present and is a no-op otherwise; a positive
// volume sets the level's aggregate volume, inserting it in sort order when the
// price is new.
func (b *Book) Update(o domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	side := b.sideRef(o.Side)
	i, found := search(*side, o.Price, o.Side)
	switch {
	case o.Volume <= 0:
		if found {
			*side = append((*side)[:i], (*side)[i+1:]...)
		}
	case found:
		(*side)[i].Volume = o.Volume
	default:
		*side = append(*side, PriceLevel{})
		copy((*side)[i+1:], (*side)[i:])
		(*side)[i] = PriceLevel{Price: o.Price, Volume: o.Volume}
	}
}

// Replace atomically swaps an entire side's contents. Used after a REST
// snapshot fetch so readers see either the old book or the complete new one.
func (b *Book) Replace(side domain.Side, levels []PriceLevel) {
	sorted := make([]PriceLevel, len(levels))
	copy(sorted, levels)
	sortSide(sorted, side)

	b.mu.Lock()
	defer b.mu.Unlock()
	if side == domain.SideBuy {
		b.bids = sorted
	} else {
		b.asks = sorted
	}
}

// Best returns the top of the given side, or false when the side is empty.
func (b *Book) Best(side domain.Side) (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.side(side)
	if len(s) == 0 {
		return PriceLevel{}, false
	}
	return s[0], true
}

// Levels returns a copy of the given side in book order.
func (b *Book) Levels(side domain.Side) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.side(side)
	out := make([]PriceLevel, len(s))
	copy(out, s)
	return out
}

// Depth returns the number of price levels on the given side.
func (b *Book) Depth(side domain.Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.side(side))
}

// Empty reports whether both sides hold no levels.
func (b *Book) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids) == 0 && len(b.asks) == 0
}

// Spread returns best ask minus best bid, or false when either side is empty.
func (b *Book) Spread() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return b.asks[0].Price - b.bids[0].Price, true
}

func (b *Book) side(s domain.Side) []PriceLevel {
	if s == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) sideRef(s domain.Side) *[]PriceLevel {
	if s == domain.SideBuy {
		return &b.bids
	}
	return &b.asks
}

// search locates price within a sorted side, returning the insertion index and
// whether the exact price is already present.
func search(levels []PriceLevel, price float64, side domain.Side) (int, bool) {
	i := sort.Search(len(levels), func(i int) bool {
		if side == domain.SideBuy {
			return levels[i].Price <= price
		}
		return levels[i].Price >= price
	})
	return i, i < len(levels) && levels[i].Price == price
}

func sortSide(levels []PriceLevel, side domain.Side) {
	sort.Slice(levels, func(i, j int) bool {
		if side == domain.SideBuy {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}
