package strategy

import (
	"context"
	"log/slog"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/orderbook"
	"github.com/koinkuexchange/arke/internal/precision"
)

func init() {
	Register("copy", func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewCopy(cfg, logger), nil
	})
}

// Copy mirrors a source venue's book onto the target market. The top levels of
// each side are re-priced with a configured spread and re-sized so the side's
// total volume matches the configured base limit, keeping the source's volume
// distribution across levels.
type Copy struct {
	cfg    Config
	logger *slog.Logger

	levelsCount int
	spreadBids  float64
	spreadAsks  float64
	limitBids   float64 // total base volume quoted on the bid side
	limitAsks   float64
}

// NewCopy builds a copy strategy. Params: "levels_count" (default 5),
// "spread_bids"/"spread_asks" (fraction of price, default 0.005),
// "limit_bids_base"/"limit_asks_base" (default 1).
func NewCopy(cfg Config, logger *slog.Logger) *Copy {
	return &Copy{
		cfg:         cfg,
		logger:      logger,
		levelsCount: intParam(cfg.Params, "levels_count", 5),
		spreadBids:  floatParam(cfg.Params, "spread_bids", 0.005),
		spreadAsks:  floatParam(cfg.Params, "spread_asks", 0.005),
		limitBids:   floatParam(cfg.Params, "limit_bids_base", 1),
		limitAsks:   floatParam(cfg.Params, "limit_asks_base", 1),
	}
}

func (c *Copy) Name() string { return c.cfg.Name }
func (c *Copy) Init(ctx context.Context) error { return nil }
func (c *Copy) OnTrade(ctx context.Context, t domain.Trade) error { return nil }
func (c *Copy) Close() error { return nil }

// Tick shapes the source book into the desired target order set. An empty or
// missing source book yields an empty set, which cancels everything.
func (c *Copy) Tick(ctx context.Context, in TickInput) (domain.DesiredState, error) {
	desired := domain.DesiredState{Market: in.Market.ID}
	if in.Source == nil || in.Source.Empty() {
		c.logger.Warn("source book empty, quoting nothing", slog.String("market", in.Market.ID))
		return desired, nil
	}

	bids := c.shape(in.Market, domain.SideBuy, in.Source.Levels(domain.SideBuy), -c.spreadBids, c.limitBids)
	asks := c.shape(in.Market, domain.SideSell, in.Source.Levels(domain.SideSell), c.spreadAsks, c.limitAsks)
	desired.Orders = append(bids, asks...)
	return desired, nil
}

// shape converts one source side into target orders: top levelsCount levels,
// prices shifted by the spread, volumes scaled to the base limit proportional
// to the source distribution. All values are floored to the target market's
// precision; levels that floor below the minimum amount are dropped.
func (c *Copy) shape(m domain.Market, side domain.Side, levels []orderbook.PriceLevel, shift, limit float64) []domain.Order {
	if len(levels) > c.levelsCount {
		levels = levels[:c.levelsCount]
	}
	var total float64
	for _, lv := range levels {
		total += lv.Volume
	}
	if total <= 0 {
		return nil
	}

	out := make([]domain.Order, 0, len(levels))
	for _, lv := range levels {
		price := precision.Apply(lv.Price*(1+shift), m.PricePrecision)
		volume := precision.Apply(limit*lv.Volume/total, m.AmountPrecision)
		if price <= 0 || volume <= 0 || volume < m.MinAmount {
			continue
		}
		if m.MinPrice > 0 && price < m.MinPrice {
			continue
		}
		if m.MaxPrice > 0 && price > m.MaxPrice {
			continue
		}
		out = append(out, domain.Order{Market: m.ID, Side: side, Price: price, Volume: volume})
	}
	return out
}
