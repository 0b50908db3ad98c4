// ABOUTME: Builds the configured EventBus so callers never branch on backend
// ABOUTME: Wires cache (memory|sqlite) or notify (memory|postgres) from BusConfig

package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/pgnotify"
)

// Deps supplies shared resources the factory cannot create itself.
type Deps struct {
	// SQLCache backs the "sqlite" cache; normally the registry's cache table.
	SQLCache Cache
	Logger   *slog.Logger
}

// New builds the bus selected by cfg. The returned close function releases
// the bus and anything the factory created for it.
func New(ctx context.Context, cfg config.BusConfig, deps Deps) (EventBus, func() error, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.BusBackendCache:
		opts := CacheOptions{
			Key:          cfg.CacheKey,
			TTL:          cfg.CacheTTL,
			PollInterval: cfg.PollInterval,
			OutboxSize:   cfg.OutboxSize,
		}
		switch cfg.Cache {
		case config.CacheMemory:
			cache := NewMemoryCache(0)
			b := NewCacheBus(cache, opts, logger)
			return b, func() error {
				err := b.Close()
				cache.Close()
				return err
			}, nil
		case config.CacheSQLite:
			if deps.SQLCache == nil {
				return nil, nil, fmt.Errorf("sqlite cache requested but no store cache provided")
			}
			b := NewCacheBus(deps.SQLCache, opts, logger)
			return b, b.Close, nil
		default:
			return nil, nil, fmt.Errorf("unknown bus cache %q", cfg.Cache)
		}

	case config.BusBackendNotify:
		opts := NotifyOptions{Channel: cfg.Channel, OutboxSize: cfg.OutboxSize}
		switch cfg.Broker {
		case config.BrokerMemory:
			b := NewNotifyBus(NewMemoryBroker(logger), opts, logger)
			return b, b.Close, nil
		case config.BrokerPostgres:
			pg, err := pgnotify.New(ctx, cfg.PostgresDSN, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("connecting notify broker: %w", err)
			}
			b := NewNotifyBus(pgBroker{pg}, opts, logger)
			return b, func() error {
				err := b.Close()
				pg.Close()
				return err
			}, nil
		default:
			return nil, nil, fmt.Errorf("unknown bus broker %q", cfg.Broker)
		}

	default:
		return nil, nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// pgBroker adapts pgnotify.Broker to Broker.
type pgBroker struct {
	*pgnotify.Broker
}

func (p pgBroker) Listen(ctx context.Context, channel string) (Listener, error) {
	l, err := p.Broker.Listen(ctx, channel)
	if err != nil {
		return nil, err
	}
	return l, nil
}
