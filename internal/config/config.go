// Package config defines the top-level configuration for the arke engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARKE_* environment variables.
type Config struct {
	LogLevel   string           `toml:"log_level"`
	DryRun     bool             `toml:"dry_run"`
	Tick       TickConfig       `toml:"tick"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Venues     []VenueConfig    `toml:"venue"`
	Strategies []StrategyConfig `toml:"strategy"`
	Redis      RedisConfig      `toml:"redis"`
	Notify     NotifyConfig     `toml:"notify"`
}

// TickConfig holds the engine-wide tick loop parameters.
type TickConfig struct {
	Period duration `toml:"period"`
}

// SchedulerConfig holds diff-and-dispatch parameters.
type SchedulerConfig struct {
	// VolumeTolerance is the relative slack within which a live order's
	// volume is considered equal to the desired one.
	VolumeTolerance float64  `toml:"volume_tolerance"`
	DispatchTimeout duration `toml:"dispatch_timeout"`
}

// VenueConfig holds one exchange connection.
type VenueConfig struct {
	Name       string   `toml:"name"` // instance name; defaults to driver
	Driver     string   `toml:"driver"`
	Host       string   `toml:"host"`
	WSHost     string   `toml:"ws_host"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	Passphrase string   `toml:"passphrase"`
	Markets    []string `toml:"markets"`
	Timeout    duration `toml:"timeout"`
}

// StrategyConfig holds one strategy instance.
type StrategyConfig struct {
	Name         string         `toml:"name"` // instance name; defaults to driver
	Driver       string         `toml:"driver"`
	Venue        string         `toml:"venue"`         // target venue name
	Source       string         `toml:"source"`        // source venue name, optional
	Market       string         `toml:"market"`        // target market id
	SourceMarket string         `toml:"source_market"` // defaults to market
	Period       duration       `toml:"period"`        // overrides tick.period when set
	Params       map[string]any `toml:"params"`
}

// RedisConfig holds the optional live-state mirror connection.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Tick: TickConfig{
			Period: duration{time.Second},
		},
		Scheduler: SchedulerConfig{
			VolumeTolerance: 0,
			DispatchTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 20,
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Tick.Period.Duration <= 0 {
		errs = append(errs, "tick: period must be positive")
	}
	if c.Scheduler.VolumeTolerance < 0 || c.Scheduler.VolumeTolerance >= 1 {
		errs = append(errs, fmt.Sprintf("scheduler: volume_tolerance must be in [0, 1), got %v", c.Scheduler.VolumeTolerance))
	}
	if c.Scheduler.DispatchTimeout.Duration <= 0 {
		errs = append(errs, "scheduler: dispatch_timeout must be positive")
	}

	if len(c.Venues) == 0 {
		errs = append(errs, "at least one [[venue]] must be configured")
	}
	venueNames := make(map[string]bool, len(c.Venues))
	for i := range c.Venues {
		v := &c.Venues[i]
		if v.Driver == "" {
			errs = append(errs, fmt.Sprintf("venue[%d]: driver must not be empty", i))
		}
		if v.Name == "" {
			v.Name = v.Driver
		}
		if venueNames[v.Name] {
			errs = append(errs, fmt.Sprintf("venue[%d]: duplicate name %q", i, v.Name))
		}
		venueNames[v.Name] = true
		if len(v.Markets) == 0 {
			errs = append(errs, fmt.Sprintf("venue %q: markets must not be empty", v.Name))
		}
		if v.Timeout.Duration < 0 {
			errs = append(errs, fmt.Sprintf("venue %q: timeout must not be negative", v.Name))
		}
	}

	if len(c.Strategies) == 0 {
		errs = append(errs, "at least one [[strategy]] must be configured")
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Driver == "" {
			errs = append(errs, fmt.Sprintf("strategy[%d]: driver must not be empty", i))
		}
		if s.Name == "" {
			s.Name = s.Driver
		}
		if s.Market == "" {
			errs = append(errs, fmt.Sprintf("strategy %q: market must not be empty", s.Name))
		}
		if s.SourceMarket == "" {
			s.SourceMarket = s.Market
		}
		if s.Venue == "" {
			errs = append(errs, fmt.Sprintf("strategy %q: venue must not be empty", s.Name))
		} else if len(venueNames) > 0 && !venueNames[s.Venue] {
			errs = append(errs, fmt.Sprintf("strategy %q: venue %q is not configured", s.Name, s.Venue))
		}
		if s.Source != "" && len(venueNames) > 0 && !venueNames[s.Source] {
			errs = append(errs, fmt.Sprintf("strategy %q: source %q is not configured", s.Name, s.Source))
		}
		if s.Period.Duration < 0 {
			errs = append(errs, fmt.Sprintf("strategy %q: period must not be negative", s.Name))
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
