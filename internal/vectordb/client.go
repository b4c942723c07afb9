// Package vectordb is a minimal Qdrant HTTP client.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	ometrics "github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// Client searches one Qdrant collection
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// New applies defaults. An empty URL yields an error since there is nothing
// to search.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	c := cfg
	if strings.TrimSpace(c.URL) == "" {
		return nil, fmt.Errorf("vectordb: qdrant url is required")
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "hypercog_context"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: c.Timeout}, "qdrant", "vectordb", circuitbreaker.KindHTTP, logger)
	return &Client{cfg: c, base: strings.TrimRight(c.URL, "/"), httpw: httpw, log: logger}, nil
}

// GetConfig returns the effective configuration
func (c *Client) GetConfig() Config { return c.cfg }

type qdrantQueryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search returns up to limit hits for vec; limit <= 0 uses the configured TopK
func (c *Client) Search(ctx context.Context, vec []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	points, err := c.search(ctx, c.cfg.Collection, vec, limit, c.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		h := Hit{Score: p.Score, Payload: p.Payload}
		if p.ID != nil {
			h.ID = fmt.Sprintf("%v", p.ID)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (c *Client) search(ctx context.Context, collection string, vec []float32, limit int, threshold float64) ([]qdrantPoint, error) {
	start := time.Now()
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	// Prefer modern /points/query; on failure, fall back to /points/search
	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true})

	call := func(url string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("api-key", c.cfg.APIKey)
		}
		tracing.InjectTraceparent(ctx, req)
		return c.httpw.Do(req)
	}

	resp, err := call(urlQuery, buf)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err := call(fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
		if err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var qr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&qr); err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result, nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return qr.Result.Points, nil
}
