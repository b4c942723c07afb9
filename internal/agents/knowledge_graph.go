package agents

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

	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// KnowledgeGraphConfig configures the Cognee-backed agent
type KnowledgeGraphConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	Concurrency       int
}

// KnowledgeGraphAgent runs graph-completion searches against Cognee
type KnowledgeGraphAgent struct {
	base
	cfg  KnowledgeGraphConfig
	http *circuitbreaker.HTTPWrapper
}

// NewKnowledgeGraph returns an Unavailable agent when no Cognee URL is set
func NewKnowledgeGraph(cfg KnowledgeGraphConfig, logger *zap.Logger) Agent {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return NewUnavailable(KnowledgeGraph, "COGNEE_API_URL not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	b := newBase(KnowledgeGraph, cfg.Concurrency, cfg.RequestsPerMinute, logger)
	return &KnowledgeGraphAgent{
		base: b,
		cfg:  cfg,
		http: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "cognee", KnowledgeGraph, circuitbreaker.KindHTTP, b.logger),
	}
}

// Search implements Agent
func (a *KnowledgeGraphAgent) Search(ctx context.Context, queries []string) []Result {
	return a.run(ctx, queries, a.query)
}

func (a *KnowledgeGraphAgent) query(ctx context.Context, q string) (answer, error) {
	body, _ := json.Marshal(map[string]string{
		"search_type": "GRAPH_COMPLETION",
		"query":       q,
	})
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/api/v1/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.http.Do(req)
	if err != nil {
		return answer{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return answer{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return answer{}, fmt.Errorf("cognee returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw[:min(len(raw), 256)])))
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return answer{}, fmt.Errorf("decode cognee response: %w", err)
	}
	text := renderGraphResult(decoded)
	if text == "" {
		return answer{}, fmt.Errorf("cognee returned no results")
	}
	return answer{text: text}, nil
}

// renderGraphResult flattens Cognee's loosely typed search output into text
func renderGraphResult(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := renderGraphResult(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]interface{}:
		for _, k := range []string{"search_result", "result", "answer", "text"} {
			if inner, ok := t[k]; ok {
				return renderGraphResult(inner)
			}
		}
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
