package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds one strategy instance from its configuration.
type Factory func(cfg Config, logger *slog.Logger) (Strategy, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a strategy driver available under the given name. Drivers
// register from their file's init; a duplicate name panics at startup.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("strategy: duplicate driver " + name)
	}
	drivers[name] = f
}

// New constructs a strategy instance for the configured driver.
func New(cfg Config, logger *slog.Logger) (Strategy, error) {
	driversMu.RLock()
	f, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Driver
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("strategy", cfg.Name))
	return f(cfg, logger)
}

// Drivers returns the registered driver names in sorted order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
