// Package embeddings turns text into vectors through an OpenAI-compatible
// embeddings endpoint, caching results.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/cache"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	ometrics "github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// Service provides embedding generation with caching
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	remote EmbeddingCache
	lru    *cache.LRU[[]float32]
	logger *zap.Logger
}

// NewService applies defaults; remote may be nil
func NewService(cfg Config, remote EmbeddingCache, logger *zap.Logger) *Service {
	c := cfg
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: c.Timeout}, "embeddings", "embeddings", circuitbreaker.KindHTTP, logger)
	return &Service{cfg: c, http: httpw, remote: remote, lru: cache.NewLRU[[]float32](c.MaxLRU, c.CacheTTL), logger: logger}
}

// GetConfig returns the effective configuration
func (s *Service) GetConfig() Config { return s.cfg }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// GenerateEmbedding returns the vector for a single text
func (s *Service) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings embeds texts in one request, skipping cached ones
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(key); ok {
			results[i] = v
			ometrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
			continue
		}
		if s.remote != nil {
			if v, ok := s.remote.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(key, v)
				ometrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/embeddings"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Input: uncachedTexts, Model: m})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Data) != len(uncachedTexts) {
		ometrics.RecordEmbeddingMetrics(m, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Data), len(uncachedTexts))
	}

	for pos, d := range er.Data {
		i := pos
		if d.Index >= 0 && d.Index < len(uncachedTexts) {
			i = d.Index
		}
		out := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			out[j] = float32(f)
		}
		results[uncachedIndices[i]] = out

		key := MakeKey(m, uncachedTexts[i])
		s.lru.Set(key, out)
		if s.remote != nil {
			s.remote.Set(ctx, key, out, s.cfg.CacheTTL)
		}
	}

	ometrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())
	return results, nil
}
