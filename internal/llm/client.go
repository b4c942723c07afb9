// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// ErrMissingAPIKey is returned when the client is built without a credential
var ErrMissingAPIKey = errors.New("llm: api key is required")

// Request is one chat completion. Caller labels metrics and logs.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Structured asks the model for a JSON object
	Structured  bool
	Temperature *float64
	Caller      string
}

// Client completes a prompt and returns the raw message text. Callers must
// treat structured output as untrusted and decode it with Decode.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config configures HTTPClient
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	Timeout           time.Duration
	RequestsPerMinute int
	TokensPerMinute   int
}

// HTTPClient is the production Client
type HTTPClient struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	pacer  *ratecontrol.Pacer
	logger *zap.Logger
}

// NewHTTPClient fails with ErrMissingAPIKey when cfg.APIKey is empty
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &HTTPClient{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "llm", "llm", circuitbreaker.KindLLM, logger),
		pacer:  ratecontrol.NewPacer(ratecontrol.RateLimit{RPM: cfg.RequestsPerMinute, TPM: cfg.TokensPerMinute}),
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion request
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	caller := req.Caller
	if caller == "" {
		caller = "unknown"
	}
	start := time.Now()

	if err := c.pacer.Wait(ctx, (len(req.SystemPrompt)+len(req.UserPrompt)+3)/4); err != nil {
		metrics.RecordLLMCall(caller, "cancelled", 0)
		return "", err
	}

	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	payload := chatRequest{
		Model:       c.cfg.Model,
		Temperature: temperature,
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.UserPrompt})
	if req.Structured {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	tracing.InjectTraceparent(ctx, httpReq)

	text, err := c.do(httpReq)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(caller, "error", elapsed)
		c.logger.Warn("LLM call failed",
			zap.String("caller", caller),
			zap.String("model", c.cfg.Model),
			zap.Error(err),
		)
		return "", err
	}
	metrics.RecordLLMCall(caller, "success", elapsed)
	c.logger.Debug("LLM call completed",
		zap.String("caller", caller),
		zap.Int("response_chars", len(text)),
		zap.Float64("duration_seconds", elapsed),
	)
	return text, nil
}

func (c *HTTPClient) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read chat completion: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completion returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
