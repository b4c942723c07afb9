// Package tokens estimates the size of text against a model's tokenizer.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const fallbackEncoding = "cl100k_base"

// Estimator is the narrow view stages depend on
type Estimator interface {
	Estimate(text string) int
	Truncate(text string, maxTokens int) string
}

// Counter counts tokens for one model. A Counter without an encoding uses
// the characters/4 heuristic.
type Counter struct {
	model string
	mu    sync.Mutex
	enc   *tiktoken.Tiktoken
}

// New returns a Counter for model. When exact is set the model's tiktoken
// encoding is loaded, falling back to cl100k_base for unknown models and to
// the heuristic when no encoding can be loaded at all.
func New(model string, exact bool, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Counter{model: model}
	if !exact {
		return c
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Debug("No tokenizer for model, using fallback encoding",
			zap.String("model", model),
			zap.String("encoding", fallbackEncoding),
		)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		logger.Warn("Tokenizer unavailable, using character heuristic",
			zap.String("model", model),
			zap.Error(err),
		)
		return c
	}
	c.enc = enc
	return c
}

// Heuristic returns a Counter that never loads a tokenizer
func Heuristic() *Counter { return &Counter{} }

// Exact reports whether counts come from a real tokenizer
func (c *Counter) Exact() bool { return c.enc != nil }

// Model returns the configured model name
func (c *Counter) Model() string { return c.model }

// Estimate returns the token count of text. Empty text is 0.
func (c *Counter) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return heuristic(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// Truncate cuts text so that its estimate does not exceed maxTokens
func (c *Counter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.Estimate(text) <= maxTokens {
		return text
	}
	if c.enc == nil {
		return truncateRunes(text, maxTokens*4)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.enc.Encode(text, nil, nil)
	return c.enc.Decode(ids[:maxTokens])
}

func heuristic(text string) int {
	return (len(text) + 3) / 4
}

// truncateRunes keeps at most maxBytes bytes without splitting a rune
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}
