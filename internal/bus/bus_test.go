// ABOUTME: Tests for the event bus backends
// ABOUTME: Covers the codec, polled coalescing, pushed ordering, outbox and subscription cleanup

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/minecloud/internal/config"
)

func receive(t *testing.T, sub Subscription, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestEventCodec(t *testing.T) {
	encoded, err := Event{Name: "state", Payload: "running"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, `["state","running"]`, encoded)

	ev, err := DecodeEvent(`["ip_address","10.0.0.1"]`)
	require.NoError(t, err)
	assert.Equal(t, Event{Name: "ip_address", Payload: "10.0.0.1"}, ev)

	for _, bad := range []string{``, `{}`, `["only"]`, `["a","b","c"]`} {
		_, err := DecodeEvent(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func newTestCacheBus(t *testing.T) *CacheBus {
	t.Helper()
	cache := NewMemoryCache(time.Minute)
	t.Cleanup(cache.Close)
	b := NewCacheBus(cache, CacheOptions{PollInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCacheBus_RepeatedValueCoalesces(t *testing.T) {
	b := newTestCacheBus(t)

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(t.Context(), "state", "running")
	ev, ok := receive(t, sub, time.Second)
	require.True(t, ok)
	assert.Equal(t, Event{Name: "state", Payload: "running"}, ev)

	b.Publish(t.Context(), "state", "running")
	_, ok = receive(t, sub, 100*time.Millisecond)
	assert.False(t, ok, "republishing the same value must not yield a second event")

	b.Publish(t.Context(), "state", "terminated")
	ev, ok = receive(t, sub, time.Second)
	require.True(t, ok)
	assert.Equal(t, Event{Name: "state", Payload: "terminated"}, ev)
}

func TestCacheBus_LateSubscriberSeesLatest(t *testing.T) {
	b := newTestCacheBus(t)

	b.Publish(t.Context(), "state", "pending")
	b.Publish(t.Context(), "state", "running")
	require.NoError(t, b.Close())

	cache := b.cache
	late := NewCacheBus(cache, CacheOptions{PollInterval: 10 * time.Millisecond}, nil)
	defer late.Close()

	sub, err := late.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	ev, ok := receive(t, sub, time.Second)
	require.True(t, ok)
	assert.Equal(t, "running", ev.Payload)
}

func TestCacheBus_SubscribeAfterClose(t *testing.T) {
	b := newTestCacheBus(t)
	require.NoError(t, b.Close())

	_, err := b.Subscribe(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache unavailable")
}

func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache unavailable")
}

func TestCacheBus_PollFailureEndsSubscription(t *testing.T) {
	b := NewCacheBus(failingCache{}, CacheOptions{PollInterval: 10 * time.Millisecond}, nil)
	defer b.Close()

	// Publish failures are logged, never surfaced.
	b.Publish(t.Context(), "state", "running")

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	_, ok := receive(t, sub, time.Second)
	assert.False(t, ok)
	assert.ErrorContains(t, sub.Err(), "cache unavailable")
}

func TestNotifyBus_DeliversEveryPublishInOrder(t *testing.T) {
	broker := NewMemoryBroker(nil)
	b := NewNotifyBus(broker, NotifyOptions{}, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	const n = 20
	for i := range n {
		b.Publish(t.Context(), "state", fmt.Sprintf("v%d", i))
	}

	for i := range n {
		ev, ok := receive(t, sub, time.Second)
		require.True(t, ok, "event %d", i)
		assert.Equal(t, fmt.Sprintf("v%d", i), ev.Payload)
	}
}

func TestNotifyBus_BurstLargerThanAnyBufferIsDelivered(t *testing.T) {
	broker := NewMemoryBroker(nil)
	b := NewNotifyBus(broker, NotifyOptions{}, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	// Publish everything before reading anything.
	const n = 200
	for i := range n {
		b.Publish(t.Context(), "state", fmt.Sprintf("v%d", i))
	}

	for i := range n {
		ev, ok := receive(t, sub, time.Second)
		require.True(t, ok, "event %d of %d", i, n)
		assert.Equal(t, fmt.Sprintf("v%d", i), ev.Payload)
	}
}

func TestMemoryBroker_QueuesForSlowListener(t *testing.T) {
	broker := NewMemoryBroker(nil)
	l, err := broker.Listen(t.Context(), "sse")
	require.NoError(t, err)
	defer l.Close(context.Background())

	const n = 1000
	for i := range n {
		require.NoError(t, broker.Notify(t.Context(), "sse", fmt.Sprintf("p%d", i)))
	}

	for i := range n {
		payload, err := l.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("p%d", i), payload)
	}
}

func TestNotifyBus_RepeatedValueIsNotCoalesced(t *testing.T) {
	b := NewNotifyBus(NewMemoryBroker(nil), NotifyOptions{}, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	b.Publish(t.Context(), "state", "running")
	b.Publish(t.Context(), "state", "running")

	for range 2 {
		ev, ok := receive(t, sub, time.Second)
		require.True(t, ok)
		assert.Equal(t, "running", ev.Payload)
	}
}

func TestNotifyBus_CloseReleasesListener(t *testing.T) {
	broker := NewMemoryBroker(nil)
	b := NewNotifyBus(broker, NotifyOptions{Channel: "test"}, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, broker.ListenerCount("test"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, broker.ListenerCount("test"))

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestNotifyBus_ContextCancelReleasesListener(t *testing.T) {
	broker := NewMemoryBroker(nil)
	b := NewNotifyBus(broker, NotifyOptions{Channel: "test"}, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		return broker.ListenerCount("test") == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestNotifyBus_SkipsMalformedNotifications(t *testing.T) {
	broker := NewMemoryBroker(nil)
	b := NewNotifyBus(broker, NotifyOptions{}, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, broker.Notify(t.Context(), "sse", "not json"))
	b.Publish(t.Context(), "reload", "1")

	ev, ok := receive(t, sub, time.Second)
	require.True(t, ok)
	assert.Equal(t, "reload", ev.Name)
}

func TestOutbox_DropsWhenFullWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []string

	o := newOutbox(2, func(ctx context.Context, ev Event) error {
		<-release
		mu.Lock()
		sent = append(sent, ev.Payload)
		mu.Unlock()
		return nil
	}, discardLogger())

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			o.enqueue(context.Background(), Event{Name: "n", Payload: fmt.Sprintf("%d", i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full outbox")
	}

	close(release)
	o.close()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(sent), 2)
	assert.LessOrEqual(t, len(sent), 3)
	assert.Equal(t, "0", sent[0])
}

func TestOutbox_PublishAfterCloseIsDropped(t *testing.T) {
	var count int
	o := newOutbox(4, func(context.Context, Event) error {
		count++
		return nil
	}, discardLogger())

	o.enqueue(context.Background(), Event{Name: "a"})
	o.close()
	o.enqueue(context.Background(), Event{Name: "b"})
	o.close()

	assert.Equal(t, 1, count)
}

func TestNew_SelectsBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BusConfig
		deps    Deps
		want    any
		wantErr string
	}{
		{"memory cache", config.BusConfig{Backend: config.BusBackendCache, Cache: config.CacheMemory}, Deps{}, &CacheBus{}, ""},
		{"sqlite cache", config.BusConfig{Backend: config.BusBackendCache, Cache: config.CacheSQLite}, Deps{SQLCache: failingCache{}}, &CacheBus{}, ""},
		{"sqlite cache without store", config.BusConfig{Backend: config.BusBackendCache, Cache: config.CacheSQLite}, Deps{}, nil, "no store cache"},
		{"memory broker", config.BusConfig{Backend: config.BusBackendNotify, Broker: config.BrokerMemory}, Deps{}, &NotifyBus{}, ""},
		{"unknown backend", config.BusConfig{Backend: "smoke-signals"}, Deps{}, nil, "unknown bus backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, closeFn, err := New(t.Context(), tt.cfg, tt.deps)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer closeFn()
			assert.IsType(t, tt.want, b)
		})
	}
}
