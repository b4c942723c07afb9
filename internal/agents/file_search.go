package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// contentGenerator is the slice of the genai client the agent needs
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// FileSearchConfig configures the Gemini-backed agent
type FileSearchConfig struct {
	APIKey            string
	Model             string
	RequestsPerMinute int
	Concurrency       int
}

// FileSearchAgent asks Gemini about files and documentation
type FileSearchAgent struct {
	base
	model string
	gen   contentGenerator
}

// NewFileSearch returns an Unavailable agent when no API key is configured
// or the client cannot be created.
func NewFileSearch(ctx context.Context, cfg FileSearchConfig, logger *zap.Logger) Agent {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return NewUnavailable(FileSearch, "GOOGLE_API_KEY not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return NewUnavailable(FileSearch, fmt.Sprintf("gemini client: %v", err))
	}
	return newFileSearch(cfg, client.Models, logger)
}

func newFileSearch(cfg FileSearchConfig, gen contentGenerator, logger *zap.Logger) *FileSearchAgent {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	return &FileSearchAgent{
		base:  newBase(FileSearch, cfg.Concurrency, cfg.RequestsPerMinute, logger),
		model: cfg.Model,
		gen:   gen,
	}
}

// Search implements Agent
func (a *FileSearchAgent) Search(ctx context.Context, queries []string) []Result {
	return a.run(ctx, queries, a.query)
}

func (a *FileSearchAgent) query(ctx context.Context, q string) (answer, error) {
	resp, err := a.gen.GenerateContent(ctx, a.model, genai.Text("Search for information about: "+q), nil)
	if err != nil {
		return answer{}, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return answer{}, fmt.Errorf("gemini returned no response")
	}
	text := resp.Text()
	if text == "" {
		return answer{}, fmt.Errorf("gemini returned an empty answer")
	}
	return answer{text: text}, nil
}
