package agents

import (
	"context"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/config"
	"github.com/Anansitrading/HYPERCOG/internal/embeddings"
	"github.com/Anansitrading/HYPERCOG/internal/vectordb"
)

// Build constructs all four agents from configuration. Agents whose
// credentials are missing are registered as Unavailable so the pipeline
// still sees one result per query. remote may be nil.
func Build(ctx context.Context, cfg config.AgentsConfig, remote embeddings.EmbeddingCache, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	web := NewWebResearch(WebResearchConfig{
		APIKey:            cfg.WebResearch.APIKey,
		BaseURL:           cfg.WebResearch.BaseURL,
		Model:             cfg.WebResearch.Model,
		Timeout:           cfg.WebResearch.Timeout,
		RequestsPerMinute: cfg.WebResearch.RequestsPerMinute,
		Concurrency:       cfg.QueryConcurrency,
	}, logger)

	files := NewFileSearch(ctx, FileSearchConfig{
		APIKey:            cfg.FileSearch.APIKey,
		Model:             cfg.FileSearch.Model,
		RequestsPerMinute: cfg.FileSearch.RequestsPerMinute,
		Concurrency:       cfg.QueryConcurrency,
	}, logger)

	graph := NewKnowledgeGraph(KnowledgeGraphConfig{
		BaseURL:           cfg.KnowledgeGraph.BaseURL,
		APIKey:            cfg.KnowledgeGraph.APIKey,
		Timeout:           cfg.KnowledgeGraph.Timeout,
		RequestsPerMinute: cfg.KnowledgeGraph.RequestsPerMinute,
		Concurrency:       cfg.QueryConcurrency,
	}, logger)

	vectors := buildVectorSearch(cfg, remote, logger)

	reg := NewRegistry(web, files, graph, vectors)
	for name, ok := range reg.Status() {
		if !ok {
			logger.Warn("Agent unavailable", zap.String("agent", name))
		}
	}
	return reg
}

func buildVectorSearch(cfg config.AgentsConfig, remote embeddings.EmbeddingCache, logger *zap.Logger) Agent {
	vs := cfg.VectorSearch
	if vs.QdrantURL == "" || vs.EmbeddingAPIKey == "" {
		return NewUnavailable(VectorSearch, "QDRANT_URL or embedding credentials not configured")
	}
	store, err := vectordb.New(vectordb.Config{
		URL:        vs.QdrantURL,
		Collection: vs.Collection,
		TopK:       vs.TopK,
		Threshold:  vs.Threshold,
		Timeout:    vs.Timeout,
	}, logger)
	if err != nil {
		return NewUnavailable(VectorSearch, err.Error())
	}
	emb := embeddings.NewService(embeddings.Config{
		BaseURL:      vs.EmbeddingURL,
		APIKey:       vs.EmbeddingAPIKey,
		DefaultModel: vs.EmbeddingModel,
		Timeout:      vs.Timeout,
	}, remote, logger)
	return NewVectorSearch(emb, store, vs.EmbeddingModel, vs.TopK, cfg.QueryConcurrency, vs.RequestsPerMinute, logger)
}
