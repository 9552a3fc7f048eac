// Package exchange defines the uniform capability set every venue adapter
// implements and the driver registry used to construct adapters from
// configuration. Venue dialect differences (symbol naming, payload shapes,
// stream framing) stay inside each adapter package.
package exchange

import (
	"context"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

// Exchange is the uniform contract for one trading venue: metadata discovery,
// snapshot fetch, trade streaming, and order management.
//
// Markets and MarketConfig resolve venue metadata; the result is cached for
// the adapter's lifetime. UpdateOrderbook always builds a fresh book from a
// REST depth snapshot and never merges into an existing one; a well-formed but
// empty depth payload yields an empty book and a nil error. ListenTrades opens
// a persistent stream session, resubscribing the same market set after a
// reconnect; deliveries may gap across the reconnect boundary. Trades are
// delivered over the channel returned by Trades — the adapter's read loop
// never blocks on a slow consumer, dropping instead when the buffer is full.
type Exchange interface {
	Name() string

	Markets(ctx context.Context) ([]domain.Market, error)
	MarketConfig(ctx context.Context, id string) (domain.Market, error)

	UpdateOrderbook(ctx context.Context, marketID string) (*orderbook.Book, error)

	ListenTrades(ctx context.Context, marketIDs []string) error
	Trades() <-chan domain.Trade

	PlaceOrder(ctx context.Context, o domain.Order) (string, error)
	CancelOrder(ctx context.Context, marketID, orderID string) error
	OpenOrders(ctx context.Context, marketID string) ([]domain.Order, error)

	Close() error
}

// TradeBufferSize is the per-adapter trade channel capacity shared by all
// drivers. Backpressure beyond this is resolved by dropping, not by stalling
// the venue read loop.
const TradeBufferSize = 512
