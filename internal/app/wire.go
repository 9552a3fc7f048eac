package app

import (
	"context"
	"fmt"
	"log/slog"

	cache "github.com/koinkuexchange/arke/internal/cache/redis"
	"github.com/koinkuexchange/arke/internal/config"
	"github.com/koinkuexchange/arke/internal/exchange"
	"github.com/koinkuexchange/arke/internal/notify"

	// Venue drivers register themselves on import.
	_ "github.com/koinkuexchange/arke/internal/exchange/binance"
	_ "github.com/koinkuexchange/arke/internal/exchange/bitfaker"
	_ "github.com/koinkuexchange/arke/internal/exchange/bitfinex"
	_ "github.com/koinkuexchange/arke/internal/exchange/hitbtc"
	_ "github.com/koinkuexchange/arke/internal/exchange/huobi"
	_ "github.com/koinkuexchange/arke/internal/exchange/kraken"
	_ "github.com/koinkuexchange/arke/internal/exchange/okex"
)

// Dependencies bundles everything the engine needs to run. Constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Venues keyed by configured instance name.
	Venues map[string]exchange.Exchange

	// Redis mirror, nil when redis is disabled in config.
	BookMirror *cache.BookMirror
	TradeBus   *cache.TradeBus

	Notifier *notify.Notifier
}

// Wire constructs the venue adapters, the optional Redis mirror, and the
// notifier from configuration. Venue adapters are constructed eagerly but not
// contacted; metadata loading and its per-venue failure isolation happen in
// the engine.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Venues: make(map[string]exchange.Exchange, len(cfg.Venues))}

	for _, vc := range cfg.Venues {
		venue, err := exchange.New(vc.Driver, exchange.Options{
			Name:       vc.Name,
			Host:       vc.Host,
			WSHost:     vc.WSHost,
			APIKey:     vc.APIKey,
			APISecret:  vc.APISecret,
			Passphrase: vc.Passphrase,
			Timeout:    vc.Timeout.Duration,
			Logger:     logger,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: venue %q: %w", vc.Name, err)
		}
		deps.Venues[vc.Name] = venue
		closers = append(closers, func() { _ = venue.Close() })
	}

	if cfg.Redis.Enabled {
		client, err := cache.New(ctx, cache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.BookMirror = cache.NewBookMirror(client)
		deps.TradeBus = cache.NewTradeBus(client, logger)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscord(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
