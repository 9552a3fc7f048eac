package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Options carries the venue-independent construction parameters recognized by
// every driver. Host and WSHost override the driver's default endpoints, which
// is how tests point adapters at fixture servers.
type Options struct {
	Name       string // instance name for logs; defaults to the driver name
	Host       string // REST base URL override
	WSHost     string // stream URL override
	APIKey     string
	APISecret  string
	Passphrase string        // required by venues that scope keys to a passphrase
	Timeout    time.Duration // per-request REST timeout
	Logger     *slog.Logger
}

// Factory builds one adapter instance from options.
type Factory func(Options) (Exchange, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available under the given name. Drivers register
// from their package init; a duplicate name panics at startup.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("exchange: duplicate driver " + name)
	}
	drivers[name] = f
}

// New constructs an adapter for the named driver.
func New(driver string, opts Options) (Exchange, error) {
	driversMu.RLock()
	f, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: unknown driver %q (registered: %v)", driver, Drivers())
	}
	if opts.Name == "" {
		opts.Name = driver
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With(slog.String("venue", opts.Name))
	return f(opts)
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
