// ABOUTME: Postgres LISTEN/NOTIFY broker for the pushed event bus
// ABOUTME: Publishes through a pgx pool; each listener holds a dedicated pooled connection

package pgnotify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Broker sends and receives Postgres notifications.
type Broker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects a pool to dsn and verifies it with a ping. Pass nil logger for default.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Broker{
		pool:   pool,
		logger: logger.With("component", "pgnotify"),
	}, nil
}

// Notify sends payload on channel. pg_notify takes the channel as a value,
// so no identifier quoting is needed here.
func (b *Broker) Notify(ctx context.Context, channel, payload string) error {
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Listen acquires a connection and issues LISTEN on channel.
// The connection stays checked out until the Listener is closed.
func (b *Broker) Listen(ctx context.Context, channel string) (*Listener, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+listenTarget(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	b.logger.Debug("listening", "channel", channel)
	return &Listener{conn: conn, channel: channel, logger: b.logger}, nil
}

// Close closes every pooled connection.
func (b *Broker) Close() {
	b.pool.Close()
}

func listenTarget(channel string) string {
	return pgx.Identifier{channel}.Sanitize()
}

// Listener waits for notifications on one channel.
type Listener struct {
	conn      *pgxpool.Conn
	channel   string
	closeOnce sync.Once
	logger    *slog.Logger
}

// Wait blocks until a notification arrives on the channel or ctx ends.
func (l *Listener) Wait(ctx context.Context) (string, error) {
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return "", err
		}
		// A pooled connection may carry notifications for other channels.
		if n.Channel != l.channel {
			continue
		}
		return n.Payload, nil
	}
}

// Close stops listening and returns the connection to the pool.
// A connection broken by a cancelled Wait is discarded by the pool.
func (l *Listener) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		if !l.conn.Conn().IsClosed() {
			if _, uerr := l.conn.Exec(ctx, "UNLISTEN "+listenTarget(l.channel)); uerr != nil {
				err = fmt.Errorf("unlisten %s: %w", l.channel, uerr)
			}
		}
		l.conn.Release()
		l.logger.Debug("stopped listening", "channel", l.channel)
	})
	return err
}
