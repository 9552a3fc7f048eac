package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARKE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARKE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Venue
// credentials resolve per instance name, so secrets can be injected at deploy
// time without touching the TOML file: a venue named "kraken_main" reads
// ARKE_KRAKEN_MAIN_API_KEY and ARKE_KRAKEN_MAIN_API_SECRET.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "ARKE_LOG_LEVEL")
	setBool(&cfg.DryRun, "ARKE_DRY_RUN")
	setDuration(&cfg.Tick.Period, "ARKE_TICK_PERIOD")

	setFloat64(&cfg.Scheduler.VolumeTolerance, "ARKE_SCHEDULER_VOLUME_TOLERANCE")
	setDuration(&cfg.Scheduler.DispatchTimeout, "ARKE_SCHEDULER_DISPATCH_TIMEOUT")

	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		name := v.Name
		if name == "" {
			name = v.Driver
		}
		prefix := "ARKE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.APISecret, prefix+"API_SECRET")
		setStr(&v.Passphrase, prefix+"PASSPHRASE")
		setStr(&v.Host, prefix+"HOST")
		setStr(&v.WSHost, prefix+"WS_HOST")
	}

	setStr(&cfg.Redis.Addr, "ARKE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARKE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARKE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARKE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.Enabled, "ARKE_REDIS_ENABLED")

	setStr(&cfg.Notify.TelegramToken, "ARKE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARKE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARKE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARKE_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
