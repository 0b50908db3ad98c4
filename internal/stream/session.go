// ABOUTME: Per-client stream session turning a bus subscription into framed events
// ABOUTME: Sends a keepalive first, forwards events in order, and ends cleanly at the timeout

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/minecloud/internal/bus"
)

// Keepalive frame sent on open and every KeepaliveInterval.
const (
	KeepaliveEvent   = "keepalive"
	KeepalivePayload = "ping"
)

// DefaultTimeout is used when Session.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// FrameWriter writes one named event frame to a client.
type FrameWriter interface {
	WriteEvent(name, data string) error
}

// Subscriber opens bus subscriptions. bus.EventBus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context) (bus.Subscription, error)
}

// Session streams bus events to one client for a bounded time. The client is
// expected to reconnect when the session ends; nothing is replayed.
type Session struct {
	Bus               Subscriber
	Timeout           time.Duration // zero means DefaultTimeout
	KeepaliveInterval time.Duration // zero disables periodic keepalives
	Logger            *slog.Logger
}

// Run streams until the timeout elapses or ctx is cancelled, both of which
// return nil. Subscription and write failures return an error.
func (s *Session) Run(ctx context.Context, w FrameWriter) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stream")

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := w.WriteEvent(KeepaliveEvent, KeepalivePayload); err != nil {
		return fmt.Errorf("writing keepalive: %w", err)
	}

	sub, err := s.Bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Close()

	var keepalive <-chan time.Time
	if s.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream session ended", "duration", time.Since(started), "reason", context.Cause(ctx))
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("subscription ended: %w", err)
				}
				return nil
			}
			if err := w.WriteEvent(ev.Name, ev.Payload); err != nil {
				return fmt.Errorf("writing %s event: %w", ev.Name, err)
			}

		case <-keepalive:
			if err := w.WriteEvent(KeepaliveEvent, KeepalivePayload); err != nil {
				return fmt.Errorf("writing keepalive: %w", err)
			}
		}
	}
}
