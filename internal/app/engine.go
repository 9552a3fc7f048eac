package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koinkuexchange/arke/internal/config"
	"github.com/koinkuexchange/arke/internal/domain"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/notify"
	"github.com/koinkuexchange/arke/internal/scheduler"
	"github.com/koinkuexchange/arke/internal/strategy"
)

// shutdownGrace bounds the final cancel-everything pass on shutdown.
const shutdownGrace = 15 * time.Second

// runner binds one configured strategy instance to its venues and scheduler.
type runner struct {
	strat        strategy.Strategy
	sched        *scheduler.Scheduler
	source       exchange.Exchange
	targetName   string
	market       domain.Market
	sourceMarket string
	period       time.Duration
	logger       *slog.Logger
}

// runEngine builds the runners and drives them until ctx is cancelled. A
// venue whose metadata cannot be loaded takes down only its own strategies;
// the rest of the engine keeps running.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	_ = deps.Notifier.Notify(ctx, notify.EventStartup, "engine started",
		fmt.Sprintf("venues: %d, strategies: %d", len(deps.Venues), len(a.cfg.Strategies)))
	defer func() {
		_ = deps.Notifier.Notify(context.Background(), notify.EventShutdown, "engine stopped", "")
	}()

	schedulers := make(map[string]*scheduler.Scheduler)
	schedulerFor := func(name string, venue exchange.Exchange) *scheduler.Scheduler {
		s, ok := schedulers[name]
		if !ok {
			s = scheduler.New(venue, a.cfg.Scheduler.VolumeTolerance, a.logger)
			s.OnFailure(func(market string, action domain.Action, err error) {
				deps.Notifier.ActionFailed(ctx, name, market, string(action.Kind), err)
			})
			schedulers[name] = s
		}
		return s
	}

	badVenues := make(map[string]bool)
	liveVenues := make(map[string]bool)
	var runners []*runner
	for _, sc := range a.cfg.Strategies {
		target := deps.Venues[sc.Venue]
		source := deps.Venues[sc.Source]
		if sc.Source == "" {
			source = target
		}
		if badVenues[sc.Venue] {
			continue
		}

		market, err := target.MarketConfig(ctx, sc.Market)
		if err != nil {
			a.logger.ErrorContext(ctx, "venue metadata unavailable, disabling its strategies",
				slog.String("venue", sc.Venue),
				slog.String("market", sc.Market),
				slog.Any("error", err),
			)
			deps.Notifier.VenueDown(ctx, sc.Venue, err)
			badVenues[sc.Venue] = true
			continue
		}
		if !liveVenues[sc.Venue] {
			liveVenues[sc.Venue] = true
			deps.Notifier.VenueUp(ctx, sc.Venue)
		}

		period := sc.Period.Duration
		if period <= 0 {
			period = a.cfg.Tick.Period.Duration
		}
		strat, err := strategy.New(strategy.Config{
			Name:   sc.Name,
			Driver: sc.Driver,
			Venue:  sc.Venue,
			Source: sc.Source,
			Market: sc.Market,
			Period: period,
			Params: sc.Params,
		}, a.logger)
		if err != nil {
			return err
		}
		if err := strat.Init(ctx); err != nil {
			return err
		}

		runners = append(runners, &runner{
			strat:        strat,
			sched:        schedulerFor(sc.Venue, target),
			source:       source,
			targetName:   sc.Venue,
			market:       market,
			sourceMarket: sc.SourceMarket,
			period:       period,
			logger:       a.logger.With(slog.String("strategy", sc.Name), slog.String("market", sc.Market)),
		})
	}
	if len(runners) == 0 {
		return errors.New("app: no runnable strategies")
	}

	g, ctx := errgroup.WithContext(ctx)

	for name, venue := range deps.Venues {
		markets := tradeMarkets(a.cfg, runners, name)
		if len(markets) == 0 {
			continue
		}
		if err := venue.ListenTrades(ctx, markets); err != nil {
			a.logger.WarnContext(ctx, "trade stream unavailable",
				slog.String("venue", name), slog.Any("error", err))
			continue
		}
		g.Go(func() error {
			return a.pumpTrades(ctx, deps, name, venue, runners)
		})
	}

	for _, r := range runners {
		g.Go(func() error {
			return a.runStrategy(ctx, deps, r)
		})
	}

	return g.Wait()
}

// runStrategy is one strategy's tick loop. On shutdown it cancels every
// order the strategy still has open, then closes the strategy.
func (a *App) runStrategy(ctx context.Context, deps *Dependencies, r *runner) error {
	defer func() { _ = r.strat.Close() }()

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !a.cfg.DryRun {
				a.withdraw(r)
			}
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx, deps, r)
		}
	}
}

func (a *App) tick(ctx context.Context, deps *Dependencies, r *runner) {
	book, err := r.source.UpdateOrderbook(ctx, r.sourceMarket)
	if err != nil {
		// An unreachable source is not an empty one; keep current quotes.
		r.logger.WarnContext(ctx, "source book refresh failed, holding orders", slog.Any("error", err))
		return
	}

	if deps.BookMirror != nil {
		if err := deps.BookMirror.SetSnapshot(ctx, r.source.Name(), book); err != nil {
			r.logger.WarnContext(ctx, "book mirror write failed", slog.Any("error", err))
		}
	}

	desired, err := r.strat.Tick(ctx, strategy.TickInput{
		Market: r.market,
		Source: book,
		Live:   r.sched.Ledger(r.market.ID).Orders(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "tick failed", slog.Any("error", err))
		return
	}

	if a.cfg.DryRun {
		r.logger.InfoContext(ctx, "dry run, desired state not dispatched",
			slog.Int("orders", len(desired.Orders)))
		return
	}

	applyCtx, cancel := context.WithTimeout(ctx, a.cfg.Scheduler.DispatchTimeout.Duration)
	defer cancel()
	if _, err := r.sched.Apply(applyCtx, desired); err != nil {
		if errors.Is(err, scheduler.ErrCycleInProgress) {
			r.logger.DebugContext(ctx, "previous cycle still running, skipping tick")
			return
		}
		r.logger.WarnContext(ctx, "dispatch failed", slog.Any("error", err))
	}
}

// withdraw cancels all of a strategy's open orders during shutdown, under its
// own deadline since the run context is already cancelled.
func (a *App) withdraw(r *runner) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	empty := domain.DesiredState{Market: r.market.ID}
	for {
		_, err := r.sched.Apply(ctx, empty)
		switch {
		case err == nil:
			r.logger.Info("open orders withdrawn")
			return
		case errors.Is(err, scheduler.ErrCycleInProgress):
			// A cycle from the last tick is still draining; wait it out.
			select {
			case <-ctx.Done():
				r.logger.Warn("order withdrawal on shutdown timed out")
				return
			case <-time.After(50 * time.Millisecond):
			}
		default:
			r.logger.Warn("order withdrawal on shutdown failed", slog.Any("error", err))
			return
		}
	}
}

// pumpTrades fans one venue's public trades out to the strategies watching
// that market, and onto the Redis bus when mirroring is enabled.
func (a *App) pumpTrades(ctx context.Context, deps *Dependencies, venueName string, venue exchange.Exchange, runners []*runner) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-venue.Trades():
			if !ok {
				return nil
			}
			if tr.Venue == "" {
				tr.Venue = venueName
			}
			if deps.TradeBus != nil {
				if err := deps.TradeBus.Publish(ctx, tr); err != nil {
					a.logger.WarnContext(ctx, "trade bus publish failed", slog.Any("error", err))
				}
			}
			for _, r := range runners {
				if r.targetName != venueName || r.market.ID != tr.Market {
					continue
				}
				if err := r.strat.OnTrade(ctx, tr); err != nil {
					r.logger.WarnContext(ctx, "trade handler failed", slog.Any("error", err))
				}
			}
		}
	}
}

// tradeMarkets collects the market ids one venue should stream trades for:
// the venue's configured watch list plus every runner market targeting it.
func tradeMarkets(cfg *config.Config, runners []*runner, venueName string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, vc := range cfg.Venues {
		if vc.Name == venueName {
			for _, m := range vc.Markets {
				add(m)
			}
		}
	}
	for _, r := range runners {
		if r.targetName == venueName {
			add(r.market.ID)
		}
	}
	return out
}
