package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/auth"
	"github.com/Anansitrading/HYPERCOG/internal/health"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
)

const (
	scopeEnrich   = auth.ScopeEnrich
	scopeSessions = auth.ScopeSessionsRead
	scopeStream   = auth.ScopeStreamRead
)

// Options wires the handlers behind one mux
type Options struct {
	Enricher Enricher
	Sessions session.Store
	Streams  *streaming.Manager
	Health   *health.Manager
	// Auth guards /v1/*. Nil leaves the API open.
	Auth   *auth.Middleware
	Logger *zap.Logger
}

// NewRouter returns the service mux: /v1 API, health probes and /metrics
func NewRouter(opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wrap := func(_ string, next http.Handler) http.Handler { return next }
	if opts.Auth != nil {
		wrap = opts.Auth.Require
	}

	mux := http.NewServeMux()
	NewEnrichHandler(opts.Enricher, opts.Sessions, logger).RegisterRoutes(mux, wrap)
	if opts.Streams != nil {
		NewStreamingHandler(opts.Streams, logger).RegisterRoutes(mux, wrap)
	}
	if opts.Health != nil {
		health.NewHTTPHandler(opts.Health, logger).RegisterRoutes(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// NewServer builds the HTTP server. Streams stay open past WriteTimeout
// only when writeTimeout is zero.
func NewServer(port int, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}
