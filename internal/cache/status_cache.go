package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ipsentry/internal/blocklist"
	"ipsentry/internal/domain"
)

const (
	DefaultTTL = 7200 * time.Second

	blockedValue    = "1"
	notBlockedValue = "0"
)

// RedisStatusCache keeps block statuses as "1"/"0" strings with a fixed TTL.
// It must own its Redis logical database: Flush runs FLUSHDB.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var (
	_ blocklist.StatusCache  = (*RedisStatusCache)(nil)
	_ blocklist.CacheFlusher = (*RedisStatusCache)(nil)
)

func NewRedisStatusCache(client *redis.Client, ttl time.Duration, prefix string) *RedisStatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = domain.DefaultStatusKeyPrefix
	}
	return &RedisStatusCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisStatusCache) Get(ctx context.Context, ip string) (bool, bool, error) {
	key := domain.StatusKey(c.prefix, ip)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("cache: get %s: %w", key, err)
	}

	switch val {
	case blockedValue:
		return true, true, nil
	case notBlockedValue:
		return false, true, nil
	default:
		// Unknown payloads are treated as a miss so the store decides.
		return false, false, nil
	}
}

func (c *RedisStatusCache) Set(ctx context.Context, ip string, blocked bool) error {
	key := domain.StatusKey(c.prefix, ip)
	val := notBlockedValue
	if blocked {
		val = blockedValue
	}
	if err := c.client.Set(ctx, key, val, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *RedisStatusCache) Flush(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("cache: flush: %w", err)
	}
	return nil
}

func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
