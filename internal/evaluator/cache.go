package evaluator

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/cache"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// remoteStore is the subset of circuitbreaker.RedisWrapper the cache uses
type remoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Cache remembers validation findings per claim. It is an in-process LRU
// with TTL, optionally backed by Redis so findings survive restarts and are
// shared between replicas.
type Cache struct {
	local  *cache.LRU[string]
	remote remoteStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache builds a cache with capacity entries. remote may be nil.
func NewCache(capacity int, ttl time.Duration, remote remoteStore, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		local:  cache.NewLRU[string](capacity, ttl),
		remote: remote,
		ttl:    ttl,
		logger: logger,
	}
}

// ClaimKey is the cache key for a claim's accuracy finding
func ClaimKey(claim string) string { return cache.Key("claim", claim) }

// Get looks the key up locally, then remotely. Remote hits are promoted.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c == nil {
		return "", false
	}
	if v, ok := c.local.Get(key); ok {
		metrics.ValidationCacheLookups.WithLabelValues("local", "hit").Inc()
		return v, true
	}
	metrics.ValidationCacheLookups.WithLabelValues("local", "miss").Inc()
	if c.remote == nil {
		return "", false
	}

	b, err := c.remote.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		metrics.ValidationCacheLookups.WithLabelValues("redis", "miss").Inc()
		return "", false
	case err != nil:
		c.logger.Debug("Validation cache remote lookup failed", zap.Error(err))
		metrics.ValidationCacheLookups.WithLabelValues("redis", "error").Inc()
		return "", false
	}
	metrics.ValidationCacheLookups.WithLabelValues("redis", "hit").Inc()
	c.local.Set(key, string(b))
	return string(b), true
}

// Set stores the value in both tiers. Remote failures are logged only.
func (c *Cache) Set(ctx context.Context, key, value string) {
	if c == nil {
		return
	}
	c.local.Set(key, value)
	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Debug("Validation cache remote write failed", zap.Error(err))
	}
}

// Len reports the number of local entries
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.local.Len()
}
