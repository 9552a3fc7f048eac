// Package strategy defines the contract strategies implement and the concrete
// strategies shipped with the engine. A strategy only ever produces a desired
// order set; turning that into venue actions is the scheduler's job.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/orderbook"
)

// TickInput is the normalized state handed to a strategy on each tick.
type TickInput struct {
	Market domain.Market   // target market metadata, precision and limits
	Source *orderbook.Book // source venue book snapshot, may be nil
	Live   []domain.Order  // own live orders on the target market
}

// Strategy decides a target order set from normalized market state.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	// Tick produces the full desired order set for the strategy's market.
	// The scheduler diffs it against live state; returning the same set
	// twice is free.
	Tick(ctx context.Context, in TickInput) (domain.DesiredState, error)
	// OnTrade observes a public trade on a watched market. Most strategies
	// ignore it; orderback reacts to it.
	OnTrade(ctx context.Context, trade domain.Trade) error
	Close() error
}

// Config holds one strategy instance's configuration.
type Config struct {
	Name   string // instance name for logs; defaults to the driver name
	Driver string // registered strategy driver
	Venue  string // target venue name
	Source string // source venue name, for strategies that mirror a feed
	Market string // target market id
	Period time.Duration
	Params map[string]any
}

// floatParam reads a float64 param, accepting toml's int64 decoding too.
func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int64:
		return int(x)
	case int:
		return x
	case float64:
		return int(x)
	}
	return def
}

// requireFloat is floatParam for params with no sane default.
func requireFloat(params map[string]any, key string) (float64, error) {
	if _, ok := params[key]; !ok {
		return 0, fmt.Errorf("strategy: missing required param %q", key)
	}
	return floatParam(params, key, 0), nil
}
