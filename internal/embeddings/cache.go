package embeddings

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/Anansitrading/HYPERCOG/internal/cache"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
)

// EmbeddingCache is an optional shared tier behind the in-process LRU
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// RedisCache stores vectors as little-endian float32 bytes
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisCache wraps an existing breaker-guarded client
func NewRedisCache(cli *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{cli: cli}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key)
	if err != nil || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	_ = r.cli.Set(ctx, key, b, ttl)
}

// MakeKey is the cache key for text embedded with model
func MakeKey(model, text string) string {
	return cache.Key("emb", model, text)
}
