package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/vectordb"
)

type embedder interface {
	GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error)
}

type vectorSearcher interface {
	Search(ctx context.Context, vec []float32, limit int) ([]vectordb.Hit, error)
}

// VectorSearchAgent embeds each query and searches a Qdrant collection
type VectorSearchAgent struct {
	base
	emb   embedder
	store vectorSearcher
	model string
	topK  int
}

// NewVectorSearch wires an embedding service and a vector store. Either may
// be nil, in which case the agent is unavailable.
func NewVectorSearch(emb embedder, store vectorSearcher, model string, topK, concurrency, rpm int, logger *zap.Logger) Agent {
	if emb == nil || store == nil {
		return NewUnavailable(VectorSearch, "QDRANT_URL or embedding credentials not configured")
	}
	return &VectorSearchAgent{
		base:  newBase(VectorSearch, concurrency, rpm, logger),
		emb:   emb,
		store: store,
		model: model,
		topK:  topK,
	}
}

// Search implements Agent
func (a *VectorSearchAgent) Search(ctx context.Context, queries []string) []Result {
	return a.run(ctx, queries, a.query)
}

func (a *VectorSearchAgent) query(ctx context.Context, q string) (answer, error) {
	vec, err := a.emb.GenerateEmbedding(ctx, q, a.model)
	if err != nil {
		return answer{}, fmt.Errorf("embed query: %w", err)
	}
	hits, err := a.store.Search(ctx, vec, a.topK)
	if err != nil {
		return answer{}, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return answer{}, fmt.Errorf("no similar context found")
	}

	var b strings.Builder
	var ids []string
	for _, h := range hits {
		text := h.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[score %.2f] %s\n", h.Score, text)
		if h.ID != "" {
			ids = append(ids, "qdrant:"+h.ID)
		}
	}
	if b.Len() == 0 {
		return answer{}, fmt.Errorf("similar points carry no text payload")
	}
	return answer{text: strings.TrimRight(b.String(), "\n"), sources: ids}, nil
}
