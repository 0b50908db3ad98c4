// ABOUTME: Bounded publish queue drained by a single goroutine
// ABOUTME: Keeps Publish non-blocking and in order regardless of transport latency

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sendTimeout bounds a single transport write.
const sendTimeout = 5 * time.Second

// outbox queues events for a send function. A full queue drops the event.
type outbox struct {
	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	quit   chan struct{}
	done   chan struct{}
	send   func(ctx context.Context, ev Event) error
	logger *slog.Logger
}

type queuedEvent struct {
	ctx context.Context
	ev  Event
}

func newOutbox(size int, send func(context.Context, Event) error, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = 256
	}
	o := &outbox{
		queue:  make(chan queuedEvent, size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		send:   send,
		logger: logger,
	}
	go o.run()
	return o
}

// enqueue adds an event without blocking.
func (o *outbox) enqueue(ctx context.Context, ev Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		o.logger.Debug("publish after close dropped", "event", ev.Name)
		return
	}

	select {
	case o.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		o.logger.Warn("outbox full, dropping event", "event", ev.Name)
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case q := <-o.queue:
			o.deliver(q)
		case <-o.quit:
			// Drain what was accepted before close.
			for {
				select {
				case q := <-o.queue:
					o.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (o *outbox) deliver(q queuedEvent) {
	ctx, cancel := context.WithTimeout(q.ctx, sendTimeout)
	defer cancel()

	if err := o.send(ctx, q.ev); err != nil {
		o.logger.Warn("publish failed", "event", q.ev.Name, "error", err)
	}
}

// close stops accepting events, flushes the queue and waits for the drain.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	close(o.quit)
	o.mu.Unlock()

	<-o.done
}
