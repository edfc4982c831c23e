package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache shares search results between engine replicas
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// RedisOptions holds connection settings
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(opts RedisOptions, logger *zap.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  time.Second,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})
	return NewRedisCacheWithClient(client, opts.KeyPrefix, logger)
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

// Ping checks if Redis is alive
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get looks up cached results; Redis errors count as misses
func (c *RedisCache) Get(ctx context.Context, key string) ([]domain.SearchResult, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errs.Add(1)
			c.logger.Warn("Search cache read failed", zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	var results []domain.SearchResult
	if err := json.Unmarshal(val, &results); err != nil {
		c.errs.Add(1)
		c.misses.Add(1)
		c.logger.Warn("Discarding undecodable cache entry", zap.Error(err))
		return nil, false
	}
	c.hits.Add(1)
	return results, true
}

// Set stores results with a TTL
func (c *RedisCache) Set(ctx context.Context, key string, results []domain.SearchResult, ttl time.Duration) {
	data, err := json.Marshal(results)
	if err != nil {
		c.errs.Add(1)
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.errs.Add(1)
		c.logger.Warn("Search cache write failed", zap.Error(err))
	}
}

// Clear deletes every key under the prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Stats returns hit/miss counters of this replica
func (c *RedisCache) Stats() map[string]any {
	return map[string]any{
		"backend": "redis",
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
		"errors":  c.errs.Load(),
	}
}

// Close releases all connections
func (c *RedisCache) Close() error {
	return c.client.Close()
}
