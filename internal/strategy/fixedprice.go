package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/precision"
)

func init() {
	Register("fixedprice", func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewFixedPrice(cfg, logger)
	})
}

// FixedPrice quotes a static grid around a configured reference price,
// independent of any source feed. Useful for bootstrapping a quiet market.
type FixedPrice struct {
	cfg    Config
	logger *slog.Logger

	price       float64
	spread      float64
	levelsCount int
	levelStep   float64
	amount      float64
}

// NewFixedPrice builds a fixedprice strategy. Params: "price" (required),
// "spread" (fraction, default 0.01), "levels_count" (default 3),
// "levels_step" (absolute price step between levels, default price*spread),
// "amount" (per-level base volume, default 1).
func NewFixedPrice(cfg Config, logger *slog.Logger) (*FixedPrice, error) {
	price, err := requireFloat(cfg.Params, "price")
	if err != nil {
		return nil, fmt.Errorf("fixedprice: %w", err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("fixedprice: price must be positive, got %v", price)
	}
	spread := floatParam(cfg.Params, "spread", 0.01)
	return &FixedPrice{
		cfg:         cfg,
		logger:      logger,
		price:       price,
		spread:      spread,
		levelsCount: intParam(cfg.Params, "levels_count", 3),
		levelStep:   floatParam(cfg.Params, "levels_step", price*spread),
		amount:      floatParam(cfg.Params, "amount", 1),
	}, nil
}

func (f *FixedPrice) Name() string { return f.cfg.Name }
func (f *FixedPrice) Init(ctx context.Context) error { return nil }
func (f *FixedPrice) OnTrade(ctx context.Context, t domain.Trade) error { return nil }
func (f *FixedPrice) Close() error { return nil }

// Tick emits the same grid every time; the scheduler's diff makes repeats
// free and re-creates filled levels.
func (f *FixedPrice) Tick(ctx context.Context, in TickInput) (domain.DesiredState, error) {
	m := in.Market
	desired := domain.DesiredState{Market: m.ID}

	topBid := f.price * (1 - f.spread/2)
	topAsk := f.price * (1 + f.spread/2)
	for i := range f.levelsCount {
		step := float64(i) * f.levelStep
		volume := precision.Apply(f.amount, m.AmountPrecision)
		if volume < m.MinAmount {
			continue
		}
		bid := precision.Apply(topBid-step, m.PricePrecision)
		if bid > 0 && (m.MinPrice == 0 || bid >= m.MinPrice) {
			desired.Orders = append(desired.Orders, domain.Order{Market: m.ID, Side: domain.SideBuy, Price: bid, Volume: volume})
		}
		ask := precision.Apply(topAsk+step, m.PricePrecision)
		if ask > 0 && (m.MaxPrice == 0 || ask <= m.MaxPrice) {
			desired.Orders = append(desired.Orders, domain.Order{Market: m.ID, Side: domain.SideSell, Price: ask, Volume: volume})
		}
	}
	return desired, nil
}
