// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: A gateway over the mock registry, an in-memory pushed bus and a recording scheduler

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/minecloud/internal/auth"
	"github.com/2389/minecloud/internal/bus"
	"github.com/2389/minecloud/internal/config"
	"github.com/2389/minecloud/internal/store"
)

var testSecret = []byte("gateway-test-secret")

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type enqueued struct {
	Kind    string
	Payload any
	Delay   time.Duration
}

// recordingScheduler captures enqueued jobs instead of running them.
type recordingScheduler struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (s *recordingScheduler) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, enqueued{Kind: kind, Payload: payload, Delay: delay})
	return "job-1", nil
}

func (s *recordingScheduler) enqueued() []enqueued {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]enqueued(nil), s.jobs...)
}

type fixture struct {
	gw        *Gateway
	store     *store.MockStore
	bus       *bus.NotifyBus
	broker    *bus.MemoryBroker
	scheduler *recordingScheduler
	token     string
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Provider.ImageID = "ami-test"
	cfg.Stream.Timeout = 300 * time.Millisecond
	cfg.Stream.KeepaliveInterval = 0

	ms := store.NewMockStore()
	broker := bus.NewMemoryBroker(testLogger())
	b := bus.NewNotifyBus(broker, bus.NotifyOptions{}, testLogger())
	t.Cleanup(func() { b.Close() })
	sched := &recordingScheduler{}

	verifier := auth.NewJWTVerifier(testSecret)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := newGateway(cfg, ms, b, sched, verifier, testLogger())
	gw.now = func() time.Time { return now }

	return &fixture{gw: gw, store: ms, bus: b, broker: broker, scheduler: sched, token: token, now: now}
}

// do sends an authenticated request through the gateway handler.
func (f *fixture) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) put(id string, state store.InstanceState) *store.Instance {
	inst := &store.Instance{
		ID:         id,
		StartedAt:  f.now.Add(-time.Hour),
		State:      state,
		LaunchedBy: "bob",
	}
	if state != store.StateInitiating {
		inst.ProviderInstanceID = "i-" + id
		inst.IPAddress = "203.0.113.7"
	}
	f.store.Put(inst)
	return inst
}

// subscribe opens a bus subscription that sees events published afterwards.
func (f *fixture) subscribe(t *testing.T) bus.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func nextEvent(t *testing.T, sub bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

