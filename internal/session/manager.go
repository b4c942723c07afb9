package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/cache"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// RedisStore keeps sessions in Redis as JSON with a local LRU in front
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	local  *cache.LRU[*Session]
	logger *zap.Logger
	ttl    time.Duration
	prefix string
}

// NewRedisStore wraps client and verifies connectivity
func NewRedisStore(ctx context.Context, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wrapped := circuitbreaker.NewRedisWrapper(client, "session-store", logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapped.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: wrapped,
		local:  cache.NewLRU[*Session](1000, time.Minute),
		logger: logger,
		ttl:    ttl,
		prefix: "hypercog:session:",
	}, nil
}

// Create implements Store
func (r *RedisStore) Create(ctx context.Context, s *Session) (*Session, bool, error) {
	if err := validate(s); err != nil {
		return nil, false, err
	}
	stamp(s)
	data, err := json.Marshal(s)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}
	// SETNX decides the winner when two calls create the same id
	ok, err := r.client.SetNX(ctx, r.key(s.ID), data, r.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		existing, err := r.Get(ctx, s.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	r.local.Set(s.ID, clone(s))
	metrics.SessionsCreated.Inc()
	r.logger.Info("Created new session", zap.String("session_id", s.ID))
	return clone(s), true, nil
}

// Get implements Store
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.local.Get(id); ok {
		metrics.SessionCacheHits.Inc()
		return clone(s), nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := r.client.Get(ctx, r.key(id))
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	r.local.Set(id, clone(&s))
	return &s, nil
}

// Update implements Store. Concurrent updates to one session are last-writer-wins.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(s)
	s.ID = id
	stamp(s)
	if err := r.save(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return clone(s), nil
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if _, err := r.client.Del(ctx, r.key(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	r.local.Delete(id)
	r.logger.Info("Deleted session", zap.String("session_id", id))
	return nil
}

// Close closes the Redis client
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// RedisWrapper exposes the guarded client for health checks
func (r *RedisStore) RedisWrapper() *circuitbreaker.RedisWrapper {
	return r.client
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore) save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl); err != nil {
		return err
	}
	r.local.Set(s.ID, clone(s))
	return nil
}
