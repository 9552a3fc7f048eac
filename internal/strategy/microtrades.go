package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/precision"
)

func init() {
	Register("microtrades", func(cfg Config, logger *slog.Logger) (Strategy, error) {
		return NewMicrotrades(cfg, logger)
	})
}

// Microtrades generates small random self-matching order pairs to print
// volume on a market. Each tick it quotes one buy and one sell at the same
// price inside the configured band; the pair crosses and fills against itself.
type Microtrades struct {
	cfg    Config
	logger *slog.Logger
	rng    *rand.Rand

	minAmount float64
	maxAmount float64
	minPrice  float64
	maxPrice  float64
}

// NewMicrotrades builds a microtrades strategy. Params: "min_amount" and
// "max_amount" (base volume band, defaults 0.01/0.1), "min_price" and
// "max_price" (required when no source book is supplied at tick time).
func NewMicrotrades(cfg Config, logger *slog.Logger) (*Microtrades, error) {
	minAmount := floatParam(cfg.Params, "min_amount", 0.01)
	maxAmount := floatParam(cfg.Params, "max_amount", 0.1)
	if minAmount <= 0 || maxAmount < minAmount {
		return nil, fmt.Errorf("microtrades: bad amount band [%v, %v]", minAmount, maxAmount)
	}
	return &Microtrades{
		cfg:       cfg,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		minAmount: minAmount,
		maxAmount: maxAmount,
		minPrice:  floatParam(cfg.Params, "min_price", 0),
		maxPrice:  floatParam(cfg.Params, "max_price", 0),
	}, nil
}

func (mt *Microtrades) Name() string { return mt.cfg.Name }
func (mt *Microtrades) Init(ctx context.Context) error { return nil }
func (mt *Microtrades) OnTrade(ctx context.Context, t domain.Trade) error { return nil }
func (mt *Microtrades) Close() error { return nil }

// Tick picks a random price and volume and quotes both sides at it. The price
// band comes from the source book's spread when one is available, otherwise
// from the configured min_price/max_price.
func (mt *Microtrades) Tick(ctx context.Context, in TickInput) (domain.DesiredState, error) {
	m := in.Market
	desired := domain.DesiredState{Market: m.ID}

	lo, hi := mt.minPrice, mt.maxPrice
	if in.Source != nil && !in.Source.Empty() {
		if bid, ok := in.Source.Best(domain.SideBuy); ok {
			lo = bid.Price
		}
		if ask, ok := in.Source.Best(domain.SideSell); ok {
			hi = ask.Price
		}
	}
	if lo <= 0 || hi < lo {
		return desired, fmt.Errorf("microtrades: no usable price band [%v, %v]", lo, hi)
	}

	price := precision.Apply(lo+mt.rng.Float64()*(hi-lo), m.PricePrecision)
	volume := precision.Apply(mt.minAmount+mt.rng.Float64()*(mt.maxAmount-mt.minAmount), m.AmountPrecision, m.MinAmount)
	if price <= 0 {
		return desired, nil
	}

	desired.Orders = []domain.Order{
		{Market: m.ID, Side: domain.SideBuy, Price: price, Volume: volume},
		{Market: m.ID, Side: domain.SideSell, Price: price, Volume: volume},
	}
	return desired, nil
}
