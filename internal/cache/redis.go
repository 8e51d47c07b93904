package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed Cache.
//
// All operations degrade gracefully when Redis is unavailable: Get reports
// a miss on any error and Set swallows errors after logging, so the gateway
// never fails a request because the cache layer is down.
type RedisCache struct {
	client       *redis.Client
	ttl          time.Duration
	queryTimeout time.Duration
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle unless Close is used.
func NewRedisFromClient(cli *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: cli, ttl: ttl, queryTimeout: defaultQueryTimeout}
}

// NewRedisFromURL parses redisURL, creates a client and verifies the
// connection with a PING.
func NewRedisFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisFromClient(cli, ttl), nil
}

// Get retrieves the value for key. Redis errors other than a plain miss are
// logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the underlying Redis client.
func (c *RedisCache) Close() error { return c.client.Close() }
