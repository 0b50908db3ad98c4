// ABOUTME: Integration tests for the Postgres notification broker
// ABOUTME: Skipped unless MINECLOUD_TEST_POSTGRES_DSN points at a reachable database

package pgnotify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	dsn := os.Getenv("MINECLOUD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MINECLOUD_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestListenTarget_QuotesIdentifier(t *testing.T) {
	assert.Equal(t, `"sse"`, listenTarget("sse"))
	assert.Equal(t, `"a""b"`, listenTarget(`a"b`))
}

func TestBroker_NotifyReachesListenersInOrder(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	l, err := b.Listen(ctx, "minecloud_test")
	require.NoError(t, err)
	defer l.Close(context.Background())

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.Notify(ctx, "minecloud_test", p))
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := l.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestListener_WaitHonoursContext(t *testing.T) {
	b := newTestBroker(t)

	l, err := b.Listen(t.Context(), "minecloud_idle")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	_, err = l.Wait(ctx)
	assert.Error(t, err)
	assert.NoError(t, l.Close(context.Background()))
	assert.NoError(t, l.Close(context.Background()))
}
