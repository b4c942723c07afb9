package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	// URL is the Qdrant REST base, e.g. http://localhost:6333
	URL        string
	APIKey     string
	Collection string
	TopK       int
	Threshold  float64
	Timeout    time.Duration
}

// Hit is one scored point returned by a search
type Hit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Text returns the first textual payload field of the hit
func (h Hit) Text() string {
	for _, k := range []string{"text", "content", "chunk", "summary", "query"} {
		if s, ok := h.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
