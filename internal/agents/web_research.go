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
	"github.com/Anansitrading/HYPERCOG/internal/metadata"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

const researchSystemPrompt = "You are a research assistant. Provide accurate, well-sourced information."

// WebResearchConfig configures the Perplexity-backed agent
type WebResearchConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	Concurrency       int
}

// WebResearchAgent answers queries with Perplexity chat completions
type WebResearchAgent struct {
	base
	cfg  WebResearchConfig
	http *circuitbreaker.HTTPWrapper
}

// NewWebResearch returns an Unavailable agent when no API key is configured
func NewWebResearch(cfg WebResearchConfig, logger *zap.Logger) Agent {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return NewUnavailable(WebResearch, "PERPLEXITY_API_KEY not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.perplexity.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := newBase(WebResearch, cfg.Concurrency, cfg.RequestsPerMinute, logger)
	return &WebResearchAgent{
		base: b,
		cfg:  cfg,
		http: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "perplexity", WebResearch, circuitbreaker.KindHTTP, b.logger),
	}
}

// Search implements Agent
func (a *WebResearchAgent) Search(ctx context.Context, queries []string) []Result {
	return a.run(ctx, queries, a.query)
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

func (a *WebResearchAgent) query(ctx context.Context, q string) (answer, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model": a.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": researchSystemPrompt},
			{"role": "user", "content": q},
		},
	})
	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.http.Do(req)
	if err != nil {
		return answer{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return answer{}, fmt.Errorf("perplexity returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pr perplexityResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return answer{}, fmt.Errorf("decode perplexity response: %w", err)
	}
	if len(pr.Choices) == 0 {
		return answer{}, fmt.Errorf("perplexity returned no choices")
	}
	return answer{text: pr.Choices[0].Message.Content, sources: metadata.NormalizeSources(pr.Citations)}, nil
}
