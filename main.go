package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/auth"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
	"github.com/Anansitrading/HYPERCOG/internal/config"
	"github.com/Anansitrading/HYPERCOG/internal/consolidator"
	"github.com/Anansitrading/HYPERCOG/internal/db"
	"github.com/Anansitrading/HYPERCOG/internal/decomposer"
	"github.com/Anansitrading/HYPERCOG/internal/embeddings"
	"github.com/Anansitrading/HYPERCOG/internal/evaluator"
	"github.com/Anansitrading/HYPERCOG/internal/extractor"
	"github.com/Anansitrading/HYPERCOG/internal/gaps"
	"github.com/Anansitrading/HYPERCOG/internal/health"
	"github.com/Anansitrading/HYPERCOG/internal/httpapi"
	"github.com/Anansitrading/HYPERCOG/internal/keywords"
	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/logging"
	"github.com/Anansitrading/HYPERCOG/internal/optimizer"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/pipeline"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $HYPERCOG_CONFIG or ./config/hypercog.yaml)")
	issueFor := flag.String("issue-token", "", "print a signed API token for this subject and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *issueFor != "" {
		if cfg.Auth.JWTSecret == "" {
			log.Fatal("auth.jwt_secret is required to issue tokens")
		}
		token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, 30*24*time.Hour).Issue(*issueFor)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	llmClient, err := llm.NewHTTPClient(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		TokensPerMinute:   cfg.LLM.TokensPerMinute,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize LLM client", zap.Error(err))
	}

	counter := tokens.New(cfg.Tokens.Model, cfg.Tokens.Exact, logger)
	limiter := ratecontrol.NewLimiter(cfg.Pipeline.MaxConcurrency, logger)

	// Keyword tables hot-reload from the config directory
	kw := keywords.NewStore(nil, logger)
	if watcher, err := config.NewWatcher(cfg.ConfigDir, logger); err != nil {
		logger.Warn("Config watcher unavailable, using default keyword tables", zap.Error(err))
	} else {
		kw.Watch(watcher)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// Redis backs the session store and, optionally, the shared caches
	var redisClient redis.UniversalClient
	if cfg.Session.Backend == "redis" || cfg.Evaluator.RedisCache {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
		})
		defer redisClient.Close()
	}

	var (
		sessions     session.Store
		redisWrapper *circuitbreaker.RedisWrapper
	)
	if cfg.Session.Backend == "redis" {
		rs, err := session.NewRedisStore(ctx, redisClient, cfg.Session.TTL, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis session store", zap.Error(err))
		}
		sessions = rs
		redisWrapper = rs.RedisWrapper()
	} else {
		sessions = session.NewMemoryStore(cfg.Session.TTL, logger)
	}
	defer sessions.Close()

	var (
		claimCache *evaluator.Cache
		embCache   embeddings.EmbeddingCache
	)
	if cfg.Evaluator.RedisCache {
		if redisWrapper == nil {
			redisWrapper = circuitbreaker.NewRedisWrapper(redisClient, "cache", logger)
		}
		claimCache = evaluator.NewCache(cfg.Evaluator.CacheSize, cfg.Evaluator.CacheTTL, redisWrapper, logger)
		embCache = embeddings.NewRedisCache(redisWrapper)
	} else {
		claimCache = evaluator.NewCache(cfg.Evaluator.CacheSize, cfg.Evaluator.CacheTTL, nil, logger)
	}

	registry := agents.Build(ctx, cfg.Agents, embCache, logger)
	var research agents.Agent
	if a, ok := registry.Get(agents.WebResearch); ok && a.Available() {
		research = a
	}

	// Artifact sinks
	var sinks persistence.Multi
	if cfg.Persistence.Dir != "" {
		fs, err := persistence.NewFileSink(cfg.Persistence.Dir)
		if err != nil {
			logger.Fatal("Failed to initialize file sink", zap.Error(err))
		}
		sinks = append(sinks, fs)
	}
	var dbClient *db.Client
	if cfg.Persistence.Driver != "" {
		dbClient, err = db.NewClient(ctx, db.Config{
			Driver: cfg.Persistence.Driver,
			DSN:    cfg.Persistence.DSN,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()
		sinks = append(sinks, persistence.NewDBSink(dbClient, logger))
	}
	var sink persistence.Sink = persistence.Nop{}
	if len(sinks) > 0 {
		sink = sinks
	}

	streams := streaming.NewManager(cfg.Streaming.RingCapacity, 0, logger)

	p, err := pipeline.New(pipeline.Config{
		MaxTokens: cfg.Pipeline.MaxTokens,
		Timeout:   cfg.Pipeline.Timeout,
	}, pipeline.Deps{
		Extractor: extractor.New(sessions, sink, kw, logger),
		Evaluator: evaluator.New(llmClient, evaluator.Config{
			LiveValidation:  cfg.Evaluator.LiveValidation,
			ConfidenceFloor: cfg.Evaluator.ConfidenceFloor,
		}, evaluator.Options{
			Research: research,
			Keywords: kw,
			Cache:    claimCache,
			Limiter:  limiter,
			Tokens:   counter,
			Logger:   logger,
		}),
		Gaps:         gaps.New(llmClient, kw, counter, logger),
		Agents:       registry,
		Consolidator: consolidator.New(llmClient, sink, counter, logger),
		Decomposer:   decomposer.New(llmClient, counter, logger),
		Optimizer:    optimizer.New(llmClient, sink, counter, logger),
		Sessions:     sessions,
		Events:       streams,
		Limiter:      limiter,
		Tokens:       counter,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	hm := health.NewManager(logger)
	if redisWrapper != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(redisWrapper, cfg.Session.Backend == "redis"))
	}
	if dbClient != nil {
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Wrapper(), false))
	}
	_ = hm.RegisterChecker(health.NewLLMHealthChecker(cfg.LLM.BaseURL, cfg.LLM.APIKey))
	_ = hm.RegisterChecker(health.NewAgentsHealthChecker(registry))
	_ = hm.RegisterChecker(health.NewBreakersHealthChecker())
	_ = hm.Start(ctx)
	defer hm.Stop()

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		mw = auth.NewMiddleware(auth.NewJWTManager(cfg.Auth.JWTSecret, 0), false, logger)
	}

	server := httpapi.NewServer(cfg.Server.Port, httpapi.NewRouter(httpapi.Options{
		Enricher: p,
		Sessions: sessions,
		Streams:  streams,
		Health:   hm,
		Auth:     mw,
		Logger:   logger,
	}), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	go func() {
		logger.Info("HyperCog HTTP server listening",
			zap.Int("port", cfg.Server.Port),
			zap.Bool("auth", cfg.Auth.Enabled),
			zap.String("session_backend", cfg.Session.Backend),
			zap.Bool("exact_tokens", counter.Exact()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down HyperCog")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}
