package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("HYPERCOG_CONFIG", "")
		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 100000, cfg.Pipeline.MaxTokens)
		assert.Equal(t, 10, cfg.Pipeline.MaxConcurrency)
		assert.Equal(t, 300*time.Second, cfg.Pipeline.Timeout)
		assert.True(t, cfg.Evaluator.LiveValidation)
		assert.Equal(t, 0.75, cfg.Evaluator.ConfidenceFloor)
		assert.Equal(t, "memory", cfg.Session.Backend)
		assert.Equal(t, "hypercog", cfg.Tracing.ServiceName)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "hypercog.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  max_tokens: 5000
  timeout: 45s
evaluator:
  live_validation: false
logging:
  level: debug
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Pipeline.MaxTokens)
		assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
		assert.False(t, cfg.Evaluator.LiveValidation)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 10, cfg.Pipeline.MaxConcurrency)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("HYPERCOG_CONFIG", "")
		t.Setenv("HYPERCOG_PIPELINE_MAX_CONCURRENCY", "3")
		t.Setenv("OPENAI_API_KEY", "sk-test")
		t.Setenv("PERPLEXITY_API_KEY", "pplx-test")
		t.Setenv("COGNEE_API_URL", "http://cognee:8000")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Pipeline.MaxConcurrency)
		assert.Equal(t, "sk-test", cfg.LLM.APIKey)
		assert.Equal(t, "sk-test", cfg.Agents.VectorSearch.EmbeddingAPIKey)
		assert.Equal(t, "pplx-test", cfg.Agents.WebResearch.APIKey)
		assert.Equal(t, "http://cognee:8000", cfg.Agents.KnowledgeGraph.BaseURL)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("HYPERCOG_CONFIG", "")
		t.Setenv("HYPERCOG_SESSION_BACKEND", "etcd")
		t.Setenv("HYPERCOG_PIPELINE_MAX_TOKENS", "0")

		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline.max_tokens")
		assert.Contains(t, err.Error(), "session.backend")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidateAuthNeedsSecret(t *testing.T) {
	cfg := &Config{
		Pipeline:  PipelineConfig{MaxTokens: 1, MaxConcurrency: 1},
		Session:   SessionConfig{Backend: "memory"},
		Auth:      AuthConfig{Enabled: true},
		Evaluator: EvaluatorConfig{ConfidenceFloor: 0.75},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}
