package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
log_level = "debug"

[tick]
period = "2s"

[scheduler]
volume_tolerance = 0.02

[[venue]]
name = "kraken_main"
driver = "kraken"
api_key = "file-key"
markets = ["xbtusd"]
timeout = "5s"

[[venue]]
driver = "binance"
markets = ["btcusdt"]

[[strategy]]
name = "mirror"
driver = "copy"
venue = "kraken_main"
source = "binance"
market = "xbtusd"
source_market = "btcusdt"
period = "3s"

[strategy.params]
levels_count = 3
spread_bids = 0.004
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arke.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level=%q", cfg.LogLevel)
	}
	if cfg.Tick.Period.Duration != 2*time.Second {
		t.Fatalf("tick period=%v", cfg.Tick.Period.Duration)
	}
	if cfg.Scheduler.VolumeTolerance != 0.02 {
		t.Fatalf("volume_tolerance=%v", cfg.Scheduler.VolumeTolerance)
	}
	// Unset sections keep their defaults.
	if cfg.Scheduler.DispatchTimeout.Duration != 10*time.Second {
		t.Fatalf("dispatch_timeout=%v", cfg.Scheduler.DispatchTimeout.Duration)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis addr=%q", cfg.Redis.Addr)
	}

	if len(cfg.Venues) != 2 || cfg.Venues[0].Name != "kraken_main" || cfg.Venues[0].Timeout.Duration != 5*time.Second {
		t.Fatalf("venues=%+v", cfg.Venues)
	}
	if len(cfg.Strategies) != 1 {
		t.Fatalf("strategies=%+v", cfg.Strategies)
	}
	s := cfg.Strategies[0]
	if s.Driver != "copy" || s.Source != "binance" || s.Period.Duration != 3*time.Second {
		t.Fatalf("strategy=%+v", s)
	}
	if got, ok := s.Params["levels_count"].(int64); !ok || got != 3 {
		t.Fatalf("params=%+v", s.Params)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARKE_LOG_LEVEL", "warn")
	t.Setenv("ARKE_KRAKEN_MAIN_API_KEY", "env-key")
	t.Setenv("ARKE_KRAKEN_MAIN_API_SECRET", "env-secret")
	t.Setenv("ARKE_SCHEDULER_VOLUME_TOLERANCE", "0.1")

	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level=%q", cfg.LogLevel)
	}
	if cfg.Venues[0].APIKey != "env-key" || cfg.Venues[0].APISecret != "env-secret" {
		t.Fatalf("venue creds=%+v", cfg.Venues[0])
	}
	// Other venues are untouched.
	if cfg.Venues[1].APIKey != "" {
		t.Fatalf("binance creds=%+v", cfg.Venues[1])
	}
	if cfg.Scheduler.VolumeTolerance != 0.1 {
		t.Fatalf("volume_tolerance=%v", cfg.Scheduler.VolumeTolerance)
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Defaulting fills instance names and the source market.
	if cfg.Venues[1].Name != "binance" {
		t.Fatalf("venue name=%q", cfg.Venues[1].Name)
	}
	if cfg.Strategies[0].SourceMarket != "btcusdt" {
		t.Fatalf("source_market=%q", cfg.Strategies[0].SourceMarket)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Tick.Period.Duration = 0
	cfg.Scheduler.VolumeTolerance = 1.5
	cfg.Venues = []VenueConfig{{Driver: ""}}
	cfg.Strategies = []StrategyConfig{{Driver: "copy", Venue: "ghost", Market: ""}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"log_level",
		"period must be positive",
		"volume_tolerance",
		"driver must not be empty",
		"markets must not be empty",
		"market must not be empty",
		`venue "ghost" is not configured`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateDuplicateVenueNames(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{
		{Driver: "kraken", Markets: []string{"xbtusd"}},
		{Driver: "kraken", Markets: []string{"ethusd"}},
	}
	cfg.Strategies = []StrategyConfig{{Driver: "copy", Venue: "kraken", Market: "xbtusd"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate name") {
		t.Fatalf("err=%v want duplicate name", err)
	}
}

func TestValidateTelegramPairing(t *testing.T) {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{{Driver: "bitfaker", Markets: []string{"btcusd"}}}
	cfg.Strategies = []StrategyConfig{{Driver: "copy", Venue: "bitfaker", Market: "btcusd"}}
	cfg.Notify.TelegramToken = "token-without-chat"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "telegram_token and telegram_chat_id") {
		t.Fatalf("err=%v want telegram pairing error", err)
	}
}
