package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Anansitrading/HYPERCOG/internal/logging"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// Config is the full service configuration
type Config struct {
	ConfigDir   string            `mapstructure:"config_dir"`
	Server      ServerConfig      `mapstructure:"server"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Evaluator   EvaluatorConfig   `mapstructure:"evaluator"`
	Tokens      TokensConfig      `mapstructure:"tokens"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Session     SessionConfig     `mapstructure:"session"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Logging     logging.Config    `mapstructure:"logging"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PipelineConfig holds the orchestrator gates
type PipelineConfig struct {
	MaxTokens      int           `mapstructure:"max_tokens"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type EvaluatorConfig struct {
	LiveValidation  bool          `mapstructure:"live_validation"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	CacheSize       int           `mapstructure:"cache_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	// RedisCache adds a shared second cache tier using session.redis_addr
	RedisCache bool `mapstructure:"redis_cache"`
}

type TokensConfig struct {
	Model string `mapstructure:"model"`
	Exact bool   `mapstructure:"exact"`
}

type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Temperature       float64       `mapstructure:"temperature"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	TokensPerMinute   int           `mapstructure:"tokens_per_minute"`
}

type AgentsConfig struct {
	// QueryConcurrency bounds parallel queries inside one agent batch
	QueryConcurrency int                  `mapstructure:"query_concurrency"`
	WebResearch      WebResearchConfig    `mapstructure:"web_research"`
	FileSearch       FileSearchConfig     `mapstructure:"file_search"`
	KnowledgeGraph   KnowledgeGraphConfig `mapstructure:"knowledge_graph"`
	VectorSearch     VectorSearchConfig   `mapstructure:"vector_search"`
}

type WebResearchConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type FileSearchConfig struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

type KnowledgeGraphConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type VectorSearchConfig struct {
	QdrantURL         string        `mapstructure:"qdrant_url"`
	Collection        string        `mapstructure:"collection"`
	TopK              int           `mapstructure:"top_k"`
	Threshold         float64       `mapstructure:"threshold"`
	EmbeddingURL      string        `mapstructure:"embedding_url"`
	EmbeddingModel    string        `mapstructure:"embedding_model"`
	EmbeddingAPIKey   string        `mapstructure:"embedding_api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

type PersistenceConfig struct {
	// Dir is the root of the file sink; empty disables it
	Dir string `mapstructure:"dir"`
	// Driver is "postgres" or "sqlite3"; empty disables the database sink
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SessionConfig struct {
	Backend       string        `mapstructure:"backend"` // memory | redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// well-known credential variables accepted without the HYPERCOG_ prefix
var envAliases = map[string][]string{
	"llm.api_key":                            {"OPENAI_API_KEY"},
	"llm.model":                              {"LLM_MODEL"},
	"agents.web_research.api_key":            {"PERPLEXITY_API_KEY"},
	"agents.file_search.api_key":             {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"agents.knowledge_graph.base_url":        {"COGNEE_API_URL"},
	"agents.knowledge_graph.api_key":         {"COGNEE_API_KEY"},
	"agents.vector_search.qdrant_url":        {"QDRANT_URL"},
	"agents.vector_search.embedding_api_key": {"OPENAI_API_KEY"},
	"session.redis_addr":                     {"REDIS_ADDR"},
	"session.redis_password":                 {"REDIS_PASSWORD"},
	"auth.jwt_secret":                        {"JWT_SECRET"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_dir", "./config")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 330*time.Second)

	v.SetDefault("pipeline.max_tokens", 100000)
	v.SetDefault("pipeline.max_concurrency", 10)
	v.SetDefault("pipeline.timeout", 300*time.Second)

	v.SetDefault("evaluator.live_validation", true)
	v.SetDefault("evaluator.confidence_floor", 0.75)
	v.SetDefault("evaluator.cache_size", 4096)
	v.SetDefault("evaluator.cache_ttl", 24*time.Hour)
	v.SetDefault("evaluator.redis_cache", false)

	v.SetDefault("tokens.model", "gpt-4")
	v.SetDefault("tokens.exact", true)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.tokens_per_minute", 0)

	v.SetDefault("agents.query_concurrency", 4)
	v.SetDefault("agents.web_research.base_url", "https://api.perplexity.ai")
	v.SetDefault("agents.web_research.model", "sonar")
	v.SetDefault("agents.web_research.timeout", 30*time.Second)
	v.SetDefault("agents.web_research.requests_per_minute", 50)
	v.SetDefault("agents.file_search.model", "gemini-1.5-flash")
	v.SetDefault("agents.file_search.requests_per_minute", 60)
	v.SetDefault("agents.knowledge_graph.timeout", 60*time.Second)
	v.SetDefault("agents.knowledge_graph.requests_per_minute", 60)
	v.SetDefault("agents.vector_search.collection", "hypercog_context")
	v.SetDefault("agents.vector_search.top_k", 5)
	v.SetDefault("agents.vector_search.embedding_url", "https://api.openai.com/v1")
	v.SetDefault("agents.vector_search.embedding_model", "text-embedding-3-small")
	v.SetDefault("agents.vector_search.timeout", 10*time.Second)
	v.SetDefault("agents.vector_search.requests_per_minute", 120)

	v.SetDefault("persistence.dir", "./data")

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.ttl", 24*time.Hour)

	v.SetDefault("streaming.ring_capacity", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "hypercog")
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// and the environment, in increasing order of precedence. path may be empty,
// in which case HYPERCOG_CONFIG or ./config/hypercog.yaml is tried.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HYPERCOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key, "HYPERCOG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv("HYPERCOG_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("./config/hypercog.yaml"); err == nil {
			path = "./config/hypercog.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.Pipeline.MaxTokens <= 0 {
		problems = append(problems, "pipeline.max_tokens must be positive")
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		problems = append(problems, "pipeline.max_concurrency must be positive")
	}
	if c.Pipeline.Timeout < 0 {
		problems = append(problems, "pipeline.timeout must not be negative")
	}
	if c.Evaluator.ConfidenceFloor < 0 || c.Evaluator.ConfidenceFloor > 1 {
		problems = append(problems, "evaluator.confidence_floor must be within [0,1]")
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("session.backend %q is not memory or redis", c.Session.Backend))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required when auth is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
