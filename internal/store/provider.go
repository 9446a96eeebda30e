package store

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/config"
	"github.com/jensholdgaard/nft-auction-engine/internal/event"
)

// Repositories groups all repository implementations returned by a store driver.
type Repositories struct {
	Auctions      AuctionRepository
	Bids          BidRepository
	Events        event.Store
	Items         ItemRepository
	Notifications NotificationRepository
	Tx            Transactor
	// Closer is called to release underlying resources (e.g. DB connection).
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Driver is a function that opens a connection and returns Repositories.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

// Register adds a named driver to the global registry. It is intended to be
// called from init() in each driver package and panics when the name is taken.
func Register(name string, d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if d == nil {
		panic("store: Register driver is nil")
	}
	if _, dup := registry[name]; dup {
		panic("store: Register called twice for driver " + name)
	}
	registry[name] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// Open selects the driver specified in cfg.Driver and returns Repositories.
// A driver that leaves a repository unset is reported as an error.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	registryMu.RLock()
	d, ok := registry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, Drivers())
	}

	repos, err := d(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	if missing := repos.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("store driver %q left %v unset", cfg.Driver, missing)
	}
	return repos, nil
}

func (r *Repositories) missing() []string {
	var out []string
	for name, set := range map[string]bool{
		"auctions":      r.Auctions != nil,
		"bids":          r.Bids != nil,
		"events":        r.Events != nil,
		"items":         r.Items != nil,
		"notifications": r.Notifications != nil,
		"tx":            r.Tx != nil,
		"closer":        r.Closer != nil,
		"ping":          r.Ping != nil,
	} {
		if !set {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
