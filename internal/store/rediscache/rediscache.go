// Package rediscache backs the hub's hot presence reads/writes with Redis
// so connect/disconnect churn doesn't round-trip through the durable SQL
// store on every transition. It implements sqlstore.OnlineCache.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long a stale "online" flag survives an unclean
// shutdown before it self-corrects.
const presenceTTL = 5 * time.Minute

// Cache is a thin presence cache over a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Dial is a convenience constructor for addr "host:port".
func Dial(ctx context.Context, addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}
	return New(rdb), nil
}

func key(userID uuid.UUID) string {
	return "presence:" + userID.String()
}

// SetOnline sets or clears the presence flag for userID.
func (c *Cache) SetOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	if !online {
		return c.rdb.Del(ctx, key(userID)).Err()
	}
	return c.rdb.Set(ctx, key(userID), "1", presenceTTL).Err()
}

// IsOnline reports whether userID currently has a live presence flag.
func (c *Cache) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := c.rdb.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: exists: %w", err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
