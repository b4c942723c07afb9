package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards a go-redis client with a circuit breaker
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
}

// NewRedisWrapper wraps client; service labels the metrics (e.g. "session-store")
func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", ConfigFor(KindRedis), logger)
	GlobalMetricsCollector.Register(service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service}
}

// Ping checks connectivity
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return guard(ctx, rw.cb, rw.service, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the raw bytes at key. A missing key yields redis.Nil and does
// not count as a breaker failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		out  []byte
		miss bool
	)
	err := guard(ctx, rw.cb, rw.service, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, redis.Nil
	}
	return out, nil
}

// Set stores value at key with expiration (0 means no expiry)
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return guard(ctx, rw.cb, rw.service, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// SetNX stores value at key only when key is absent and reports whether it did
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	var ok bool
	err := guard(ctx, rw.cb, rw.service, func() error {
		var err error
		ok, err = rw.client.SetNX(ctx, key, value, expiration).Result()
		return err
	})
	return ok, err
}

// Del removes keys and reports how many existed
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := guard(ctx, rw.cb, rw.service, func() error {
		var err error
		n, err = rw.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen reports whether calls are currently being rejected
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
