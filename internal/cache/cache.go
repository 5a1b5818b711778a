// Package cache wraps a Redis client for the two hot paths the
// conversational core touches on every inbound message: the
// manual-response-override flag consulted by the Message Handler and the
// last_read_at value the Dispatcher stamps after every reply. Both are
// small, TTL-bearing values — a natural fit for Redis rather than a
// Postgres round trip on every message.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by GetLastReadAt when no cached value exists.
var ErrCacheMiss = errors.New("cache: miss")

const (
	manualOverrideKeyPrefix = "manual_override:"
	lastReadAtKeyPrefix     = "last_read_at:"
)

// Cache is a thin Redis-backed store for conversational-core hot values.
type Cache struct {
	client *redis.Client
}

// New wraps an existing *redis.Client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// NewClient builds a *redis.Client from a connection URL
// (redis://[:password@]host:port/db), for use with New.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func manualOverrideKey(businessID, customerID string) string {
	return manualOverrideKeyPrefix + businessID + ":" + customerID
}

// SetManualOverride marks a (business, customer) pair as under a live
// human-reply window until ttl elapses.
func (c *Cache) SetManualOverride(ctx context.Context, businessID, customerID string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, manualOverrideKey(businessID, customerID), "1", ttl).Err()
}

// ManualOverrideActive reports whether a human-reply window is still open.
// A Redis miss or error is treated as "not active" — the Postgres-backed
// ManualResponseOverrideActive remains the source of truth; this cache only
// short-circuits the common case.
func (c *Cache) ManualOverrideActive(ctx context.Context, businessID, customerID string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, manualOverrideKey(businessID, customerID)).Result()
	return err == nil && n > 0
}

// ClearManualOverride removes an expired or explicitly-cleared override.
func (c *Cache) ClearManualOverride(ctx context.Context, businessID, customerID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, manualOverrideKey(businessID, customerID)).Err()
}

func lastReadAtKey(businessID, customerID string) string {
	return lastReadAtKeyPrefix + businessID + ":" + customerID
}

// CacheLastReadAt stores the most recent last_read_at stamp for 24 hours,
// readable back through GetLastReadAt without a DB hit.
func (c *Cache) CacheLastReadAt(ctx context.Context, businessID, customerID string, at time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, lastReadAtKey(businessID, customerID), at.UTC().Format(time.RFC3339Nano), 24*time.Hour).Err()
}

// GetLastReadAt returns the cached last_read_at, or ErrCacheMiss if absent.
func (c *Cache) GetLastReadAt(ctx context.Context, businessID, customerID string) (time.Time, error) {
	if c == nil || c.client == nil {
		return time.Time{}, ErrCacheMiss
	}
	val, err := c.client.Get(ctx, lastReadAtKey(businessID, customerID)).Result()
	if err == redis.Nil {
		return time.Time{}, ErrCacheMiss
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get last_read_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, ErrCacheMiss
	}
	return t, nil
}
