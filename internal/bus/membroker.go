// ABOUTME: In-process fan-out Broker for the pushed bus backend
// ABOUTME: Each listener queues notifications without a cap so every publish is delivered in order

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var errListenerClosed = errors.New("listener closed")

// MemoryBroker delivers notifications to listeners in the same process.
type MemoryBroker struct {
	mu        sync.RWMutex
	listeners map[string]map[string]*memListener // channel -> listener ID -> listener
	logger    *slog.Logger
}

// NewMemoryBroker creates a broker. Pass nil logger for default.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		listeners: make(map[string]map[string]*memListener),
		logger:    logger.With("component", "broker"),
	}
}

// Notify queues payload for every listener on channel without blocking.
func (b *MemoryBroker) Notify(ctx context.Context, channel, payload string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners[channel] {
		l.push(payload)
	}
	return nil
}

// Listen registers a listener on channel.
func (b *MemoryBroker) Listen(ctx context.Context, channel string) (Listener, error) {
	l := &memListener{
		id:      uuid.New().String(),
		channel: channel,
		ready:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
		broker:  b,
	}

	b.mu.Lock()
	if _, ok := b.listeners[channel]; !ok {
		b.listeners[channel] = make(map[string]*memListener)
	}
	b.listeners[channel][l.id] = l
	b.mu.Unlock()

	b.logger.Debug("listener added", "channel", channel, "listener_id", l.id)
	return l, nil
}

// ListenerCount returns the number of open listeners on channel.
func (b *MemoryBroker) ListenerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[channel])
}

func (b *MemoryBroker) remove(l *memListener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.listeners[l.channel]
	if !ok {
		return
	}
	delete(subs, l.id)
	if len(subs) == 0 {
		delete(b.listeners, l.channel)
	}

	b.logger.Debug("listener removed", "channel", l.channel, "listener_id", l.id)
}

type memListener struct {
	id      string
	channel string

	mu      sync.Mutex
	pending []string
	ready   chan struct{} // signalled when pending becomes non-empty

	closed    chan struct{}
	closeOnce sync.Once
	broker    *MemoryBroker
}

func (l *memListener) push(payload string) {
	l.mu.Lock()
	l.pending = append(l.pending, payload)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *memListener) pop() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return "", false
	}
	payload := l.pending[0]
	l.pending[0] = ""
	l.pending = l.pending[1:]
	return payload, true
}

func (l *memListener) Wait(ctx context.Context) (string, error) {
	for {
		if payload, ok := l.pop(); ok {
			return payload, nil
		}
		select {
		case <-l.ready:
		case <-l.closed:
			return "", errListenerClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (l *memListener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.broker.remove(l)
		close(l.closed)
	})
	return nil
}
