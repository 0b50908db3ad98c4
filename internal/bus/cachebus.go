// ABOUTME: Polled event bus backend over a shared key/value cache
// ABOUTME: Stores only the latest event; subscribers see changes by value, so repeats coalesce

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Cache is a shared key/value store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheOptions tunes a CacheBus. Zero values take the defaults.
type CacheOptions struct {
	Key          string        // default "last_updated"
	TTL          time.Duration // default one year
	PollInterval time.Duration // default 3s
	OutboxSize   int           // default 256
}

// CacheBus publishes by overwriting one cache key and subscribes by polling it.
// Intermediate values written between two polls are never observed, and
// republishing the value already seen yields nothing.
type CacheBus struct {
	cache    Cache
	key      string
	ttl      time.Duration
	interval time.Duration
	outbox   *outbox
	closed   atomic.Bool
	logger   *slog.Logger
}

// NewCacheBus creates a polled bus. Pass nil logger for default.
func NewCacheBus(cache Cache, opts CacheOptions, logger *slog.Logger) *CacheBus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Key == "" {
		opts.Key = "last_updated"
	}
	if opts.TTL <= 0 {
		opts.TTL = 365 * 24 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}

	b := &CacheBus{
		cache:    cache,
		key:      opts.Key,
		ttl:      opts.TTL,
		interval: opts.PollInterval,
		logger:   logger.With("component", "bus", "backend", "cache"),
	}
	b.outbox = newOutbox(opts.OutboxSize, b.write, b.logger)
	return b
}

// Publish queues the event for writing to the cache key.
func (b *CacheBus) Publish(ctx context.Context, name, payload string) {
	b.outbox.enqueue(ctx, Event{Name: name, Payload: payload})
}

func (b *CacheBus) write(ctx context.Context, ev Event) error {
	value, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.cache.Set(ctx, b.key, value, b.ttl); err != nil {
		return fmt.Errorf("writing %s: %w", b.key, err)
	}
	return nil
}

// Subscribe starts polling the cache key. The first poll yields the current
// value, if any, so a late subscriber learns the latest state.
func (b *CacheBus) Subscribe(ctx context.Context) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return startSubscription(ctx, b.poll, func() {}), nil
}

func (b *CacheBus) poll(ctx context.Context, emit func(Event) bool) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var last string
	for {
		value, ok, err := b.cache.Get(ctx, b.key)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("polling %s: %w", b.key, err)
		}

		if ok && value != last {
			last = value
			ev, err := DecodeEvent(value)
			if err != nil {
				b.logger.Warn("ignoring malformed cached event", "error", err)
			} else if !emit(ev) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close flushes queued publishes. Open subscriptions keep polling until closed.
func (b *CacheBus) Close() error {
	b.closed.Store(true)
	b.outbox.close()
	return nil
}
