// ABOUTME: Shared key/value cache table with per-entry expiry
// ABOUTME: Backs the polled event bus so every process sees the same last event

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVCache exposes the cache_entries table as a simple Get/Set cache.
type KVCache struct {
	s *SQLiteStore
}

// Cache returns a cache view over this store.
func (s *SQLiteStore) Cache() *KVCache {
	return &KVCache{s: s}
}

// Get returns the value stored under key. Expired entries read as missing.
func (c *KVCache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.s.db.GetContext(ctx, &value, `
		SELECT value FROM cache_entries
		WHERE key = ? AND expires_at > ?
	`, key, time.Now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (c *KVCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}
