package embeddings

import "time"

// Config controls the embedding service
type Config struct {
	// BaseURL points to an OpenAI-compatible API exposing /embeddings
	BaseURL string
	APIKey  string
	// DefaultModel is the default embedding model (e.g., text-embedding-3-small)
	DefaultModel string
	Timeout      time.Duration
	// CacheTTL sets TTL for embedding cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}
