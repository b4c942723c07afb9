package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kind selects an environment-tunable breaker profile
type Kind string

const (
	KindHTTP     Kind = "http"
	KindLLM      Kind = "llm"
	KindRedis    Kind = "redis"
	KindDatabase Kind = "db"
)

var profiles = map[Kind]Config{
	KindHTTP:     {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	KindLLM:      {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	KindRedis:    {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	KindDatabase: {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
}

// ConfigFor returns the profile for kind with HYPERCOG_CB_<KIND>_* overrides applied,
// e.g. HYPERCOG_CB_HTTP_FAILURE_THRESHOLD=5 or HYPERCOG_CB_REDIS_TIMEOUT=20s.
func ConfigFor(kind Kind) Config {
	cfg, ok := profiles[kind]
	if !ok {
		cfg = DefaultConfig()
	}
	prefix := "HYPERCOG_CB_" + strings.ToUpper(string(kind)) + "_"
	cfg.MaxRequests = envUint32(prefix+"MAX_REQUESTS", cfg.MaxRequests)
	cfg.Interval = envDuration(prefix+"INTERVAL", cfg.Interval)
	cfg.Timeout = envDuration(prefix+"TIMEOUT", cfg.Timeout)
	cfg.FailureThreshold = envUint32(prefix+"FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.SuccessThreshold = envUint32(prefix+"SUCCESS_THRESHOLD", cfg.SuccessThreshold)
	return cfg
}

func envUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
