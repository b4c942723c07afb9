package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
)

func TestUninitializedService(t *testing.T) {
	var s *Service
	if _, err := s.GenerateEmbedding(context.Background(), "hello", ""); err == nil {
		t.Fatalf("expected error when service is nil")
	}
}

func newEmbeddingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []item
		// reply in reverse order to exercise index mapping
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float64{float64(len(req.Input[i])), 1}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data, "model": req.Model})
	}))
}

func TestGenerateBatchEmbeddingsCachesAndOrders(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingServer(t, &calls)
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL + "/v1", APIKey: "k"}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	out, err := svc.GenerateBatchEmbeddings(ctx, []string{"a", "bbb"}, "")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, float32(1), out[0][0])
	assert.Equal(t, float32(3), out[1][0])

	one, err := svc.GenerateEmbedding(ctx, "bbb", "")
	require.NoError(t, err)
	assert.Equal(t, float32(3), one[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestRedisTierServesOtherInstances(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbeddingServer(t, &calls)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	remote := NewRedisCache(circuitbreaker.NewRedisWrapper(rc, "embeddings-cache", zaptest.NewLogger(t)))

	first := NewService(Config{BaseURL: srv.URL + "/v1"}, remote, zaptest.NewLogger(t))
	second := NewService(Config{BaseURL: srv.URL + "/v1"}, remote, zaptest.NewLogger(t))

	_, err := first.GenerateEmbedding(context.Background(), "shared", "")
	require.NoError(t, err)
	v, err := second.GenerateEmbedding(context.Background(), "shared", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 1}, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateEmbeddingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	_, err := svc.GenerateEmbedding(context.Background(), "x", "")
	assert.Error(t, err)
}
