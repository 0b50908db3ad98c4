// ABOUTME: Pushed event bus backend over a notify/listen broker
// ABOUTME: Every publish reaches every listener in order; each subscriber owns its own listener

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Broker is a named-channel notification transport.
type Broker interface {
	Notify(ctx context.Context, channel, payload string) error
	Listen(ctx context.Context, channel string) (Listener, error)
}

// Listener receives notifications from one channel on a dedicated connection.
type Listener interface {
	// Wait blocks until the next notification or ctx ends.
	Wait(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// NotifyOptions tunes a NotifyBus. Zero values take the defaults.
type NotifyOptions struct {
	Channel    string // default "sse"
	OutboxSize int    // default 256
}

// NotifyBus publishes with Notify and subscribes with a per-subscriber Listen.
type NotifyBus struct {
	broker  Broker
	channel string
	outbox  *outbox
	closed  atomic.Bool
	logger  *slog.Logger
}

// NewNotifyBus creates a pushed bus. Pass nil logger for default.
func NewNotifyBus(broker Broker, opts NotifyOptions, logger *slog.Logger) *NotifyBus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Channel == "" {
		opts.Channel = "sse"
	}

	b := &NotifyBus{
		broker:  broker,
		channel: opts.Channel,
		logger:  logger.With("component", "bus", "backend", "notify"),
	}
	b.outbox = newOutbox(opts.OutboxSize, b.notify, b.logger)
	return b
}

// Publish queues the event for notification.
func (b *NotifyBus) Publish(ctx context.Context, name, payload string) {
	b.outbox.enqueue(ctx, Event{Name: name, Payload: payload})
}

func (b *NotifyBus) notify(ctx context.Context, ev Event) error {
	value, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.broker.Notify(ctx, b.channel, value); err != nil {
		return fmt.Errorf("notifying %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe opens a listener and yields every notification it receives.
// Notifications sent before Subscribe returns are not replayed.
func (b *NotifyBus) Subscribe(ctx context.Context) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	listener, err := b.broker.Listen(ctx, b.channel)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", b.channel, err)
	}

	loop := func(ctx context.Context, emit func(Event) bool) error {
		for {
			payload, err := listener.Wait(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("waiting for notification: %w", err)
			}

			ev, err := DecodeEvent(payload)
			if err != nil {
				b.logger.Warn("ignoring malformed notification", "error", err)
				continue
			}
			if !emit(ev) {
				return nil
			}
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := listener.Close(ctx); err != nil {
			b.logger.Debug("closing listener", "error", err)
		}
	}

	return startSubscription(ctx, loop, release), nil
}

// Close flushes queued publishes. The broker itself is owned by the caller.
func (b *NotifyBus) Close() error {
	b.closed.Store(true)
	b.outbox.close()
	return nil
}
