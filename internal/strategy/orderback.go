package strategy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/precision"
)

func init() {
	Register("orderback", func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewOrderback(cfg, logger), nil
	})
}

// Orderback hedges observed fills. When a trade on the watched market hits one
// of our quotes, the next tick re-quotes the traded volume on the opposite
// side, priced the traded price plus or minus the configured spread. Otherwise
// it behaves like copy, keeping the base quotes up.
type Orderback struct {
	copy   *Copy
	logger *slog.Logger

	spread    float64
	minVolume float64

	mu      sync.Mutex
	pending []domain.Trade
}

// NewOrderback builds an orderback strategy. It accepts all of copy's params
// plus "orderback_spread" (fraction, default 0.002) and "min_order_back_amount"
// (trades smaller than this are not hedged, default 0).
func NewOrderback(cfg Config, logger *slog.Logger) *Orderback {
	return &Orderback{
		copy:      NewCopy(cfg, logger),
		logger:    logger,
		spread:    floatParam(cfg.Params, "orderback_spread", 0.002),
		minVolume: floatParam(cfg.Params, "min_order_back_amount", 0),
	}
}

func (ob *Orderback) Name() string { return ob.copy.Name() }
func (ob *Orderback) Init(ctx context.Context) error { return nil }
func (ob *Orderback) Close() error { return nil }

// OnTrade queues the trade for hedging on the next tick. The stream read loop
// calls this, so it must not block.
func (ob *Orderback) OnTrade(ctx context.Context, trade domain.Trade) error {
	if trade.Volume < ob.minVolume {
		return nil
	}
	ob.mu.Lock()
	ob.pending = append(ob.pending, trade)
	ob.mu.Unlock()
	ob.logger.Info("queued order-back",
		slog.String("market", trade.Market),
		slog.String("taker_side", string(trade.TakerSide)),
		slog.Float64("price", trade.Price),
		slog.Float64("volume", trade.Volume),
	)
	return nil
}

// Tick emits the copy quotes plus one hedge order per queued trade. A buy
// taker consumed our ask, so the hedge re-buys below the traded price; a sell
// taker mirrors that above it.
func (ob *Orderback) Tick(ctx context.Context, in TickInput) (domain.DesiredState, error) {
	desired, err := ob.copy.Tick(ctx, in)
	if err != nil {
		return desired, err
	}

	ob.mu.Lock()
	trades := ob.pending
	ob.pending = nil
	ob.mu.Unlock()

	m := in.Market
	for _, tr := range trades {
		side := tr.TakerSide
		shift := -ob.spread
		if side == domain.SideSell {
			shift = ob.spread
		}
		price := precision.Apply(tr.Price*(1+shift), m.PricePrecision)
		volume := precision.Apply(tr.Volume, m.AmountPrecision)
		if price <= 0 || volume <= 0 || volume < m.MinAmount {
			continue
		}
		desired.Orders = append(desired.Orders, domain.Order{Market: m.ID, Side: side, Price: price, Volume: volume})
	}
	return desired, nil
}
