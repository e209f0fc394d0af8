package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jensholdgaard/streamstore/internal/config"
)

// Driver is a function that connects to a backing store and returns a Provider.
type Driver func(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Provider, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns its Provider.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Provider, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, logger)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
