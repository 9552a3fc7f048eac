// Package bitfaker implements an in-process fake venue. It keeps orders and
// books in memory and is used to exercise the full pipeline without network
// access, both in tests and in dry runs against a real feed shape.
package bitfaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

func init() {
	exchange.Register("bitfaker", func(opts exchange.Options) (exchange.Exchange, error) {
		return NewAdapter(opts), nil
	})
}

// Adapter is the fake implementation of exchange.Exchange. Every operation
// succeeds immediately and mutates in-memory state only.
type Adapter struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	markets map[string]domain.Market
	books   map[string]*orderbook.Book
	open    map[string][]domain.Order // market -> open orders
	closed  bool

	trades chan domain.Trade
}

// NewAdapter builds a fake venue seeded with one btcusd market and a small
// two-sided book around 50000.
func NewAdapter(opts exchange.Options) *Adapter {
	a := &Adapter{
		name:    opts.Name,
		logger:  opts.Logger,
		markets: make(map[string]domain.Market),
		books:   make(map[string]*orderbook.Book),
		open:    make(map[string][]domain.Order),
		trades:  make(chan domain.Trade, exchange.TradeBufferSize),
	}
	a.SeedMarket(domain.Market{
		ID:              "btcusd",
		BaseUnit:        "btc",
		QuoteUnit:       "usd",
		AmountPrecision: 8,
		PricePrecision:  1,
		MinAmount:       0.0001,
	})
	a.SeedBook("btcusd",
		[]orderbook.PriceLevel{{Price: 49999.5, Volume: 0.5}, {Price: 49998.0, Volume: 1.2}},
		[]orderbook.PriceLevel{{Price: 50000.5, Volume: 0.4}, {Price: 50002.0, Volume: 0.9}},
	)
	return a
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Trades() <-chan domain.Trade { return a.trades }

// SeedMarket registers or replaces a market definition.
func (a *Adapter) SeedMarket(m domain.Market) {
	a.mu.Lock()
	a.markets[m.ID] = m
	a.mu.Unlock()
}

// SeedBook replaces the fixture book for one market.
func (a *Adapter) SeedBook(marketID string, bids, asks []orderbook.PriceLevel) {
	book := orderbook.New(marketID)
	book.Replace(domain.SideBuy, bids)
	book.Replace(domain.SideSell, asks)
	a.mu.Lock()
	a.books[marketID] = book
	a.mu.Unlock()
}

// EmitTrade pushes one synthetic trade onto the stream.
func (a *Adapter) EmitTrade(marketID string, price, volume float64, taker domain.Side) {
	trade := domain.Trade{
		Venue:     a.name,
		Market:    marketID,
		Price:     price,
		Volume:    volume,
		TakerSide: taker,
		Timestamp: time.Now().UTC(),
	}
	select {
	case a.trades <- trade:
	default:
		a.logger.Warn("trade buffer full, dropping", slog.String("market", marketID))
	}
}

// Markets lists the seeded market definitions.
func (a *Adapter) Markets(ctx context.Context) ([]domain.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Market, 0, len(a.markets))
	for _, m := range a.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarketConfig returns the seeded market definition for id.
func (a *Adapter) MarketConfig(ctx context.Context, id string) (domain.Market, error) {
	a.mu.Lock()
	m, ok := a.markets[id]
	a.mu.Unlock()
	if !ok {
		return domain.Market{}, fmt.Errorf("bitfaker: market %s: %w", id, domain.ErrMarketNotFound)
	}
	return m, nil
}

// UpdateOrderbook returns a copy of the seeded fixture book.
func (a *Adapter) UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error) {
	a.mu.Lock()
	src, ok := a.books[marketID]
	a.mu.Unlock()
	book := orderbook.New(marketID)
	if !ok {
		return book, nil
	}
	book.Replace(domain.SideBuy, src.Levels(domain.SideBuy))
	book.Replace(domain.SideSell, src.Levels(domain.SideSell))
	return book, nil
}

// ListenTrades validates the markets and succeeds; trades only appear when
// EmitTrade is called.
func (a *Adapter) ListenTrades(ctx context.Context, marketIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range marketIDs {
		if _, ok := a.markets[id]; !ok {
			return fmt.Errorf("bitfaker: unknown market %s: %w", id, domain.ErrMarketNotFound)
		}
	}
	return nil
}

// PlaceOrder records the order as open and returns a generated id.
func (a *Adapter) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.markets[o.Market]; !ok {
		return "", fmt.Errorf("bitfaker: market %s: %w: %w", o.Market, domain.ErrOrderRejected, domain.ErrMarketNotFound)
	}
	if o.Volume <= 0 || o.Price <= 0 {
		return "", fmt.Errorf("bitfaker: non-positive order: %w", domain.ErrOrderRejected)
	}
	id := uuid.NewString()
	a.open[o.Market] = append(a.open[o.Market], o.WithID(id))
	return id, nil
}

// CancelOrder removes one open order by id.
func (a *Adapter) CancelOrder(ctx context.Context, marketID, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	orders := a.open[marketID]
	for i, o := range orders {
		if o.ID == orderID {
			a.open[marketID] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("bitfaker: order %s: %w", orderID, domain.ErrCancelFailed)
}

// OpenOrders lists the recorded open orders for one market.
func (a *Adapter) OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Order, len(a.open[marketID]))
	copy(out, a.open[marketID])
	return out, nil
}

// Close marks the adapter closed and closes the trade channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.trades)
	return nil
}
