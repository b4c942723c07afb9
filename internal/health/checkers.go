package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/circuitbreaker"
)

// RedisHealthChecker checks the session store's Redis connection
type RedisHealthChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	timeout  time.Duration
}

// NewRedisHealthChecker creates a new Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, critical bool) *RedisHealthChecker {
	return &RedisHealthChecker{
		wrapper:  wrapper,
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "Redis client not initialized"}
	}
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "Redis circuit breaker is open",
			Details: map[string]interface{}{"circuit_breaker": "open"},
		}
	}

	start := time.Now()
	if err := r.wrapper.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "Redis ping failed", Error: err.Error()}
	}
	latency := time.Since(start)

	status := StatusHealthy
	message := "Redis connection healthy"
	if latency > 100*time.Millisecond {
		status = StatusDegraded
		message = fmt.Sprintf("Redis responding slowly (%v)", latency)
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"ping_latency_ms": latency.Milliseconds(),
			"circuit_breaker": "closed",
		},
	}
}

// DatabaseHealthChecker checks the artifact database connection
type DatabaseHealthChecker struct {
	wrapper  *circuitbreaker.DatabaseWrapper
	critical bool
	timeout  time.Duration
}

// NewDatabaseHealthChecker creates a new database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, critical bool) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{
		wrapper:  wrapper,
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return d.critical }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	if d.wrapper == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "Database connection not initialized"}
	}
	if d.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "Database circuit breaker is open",
			Details: map[string]interface{}{"circuit_breaker": "open"},
		}
	}

	start := time.Now()
	if err := d.wrapper.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "Database ping failed", Error: err.Error()}
	}
	latency := time.Since(start)

	stats := d.wrapper.DB().Stats()
	status := StatusHealthy
	message := "Database connection healthy"
	if latency > 200*time.Millisecond {
		status = StatusDegraded
		message = fmt.Sprintf("Database responding slowly (%v)", latency)
	}
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		status = StatusDegraded
		message = "Database connection pool exhausted"
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"ping_latency_ms":  latency.Milliseconds(),
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"max_open":         stats.MaxOpenConnections,
		},
	}
}

// LLMHealthChecker probes the model provider's models endpoint
type LLMHealthChecker struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

// NewLLMHealthChecker creates a non-critical checker against baseURL
func NewLLMHealthChecker(baseURL, apiKey string) *LLMHealthChecker {
	return &LLMHealthChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		timeout: 10 * time.Second,
	}
}

func (l *LLMHealthChecker) Name() string           { return "llm" }
func (l *LLMHealthChecker) IsCritical() bool       { return false }
func (l *LLMHealthChecker) Timeout() time.Duration { return l.timeout }

func (l *LLMHealthChecker) Check(ctx context.Context) CheckResult {
	if l.baseURL == "" {
		return CheckResult{Status: StatusUnknown, Message: "LLM base URL not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/models", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "Failed to create request", Error: err.Error()}
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "LLM provider unreachable", Error: err.Error()}
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	details := map[string]interface{}{
		"status_code": resp.StatusCode,
		"latency_ms":  latency.Milliseconds(),
	}
	switch {
	case resp.StatusCode >= 500:
		return CheckResult{Status: StatusUnhealthy, Message: "LLM provider error", Details: details}
	case resp.StatusCode >= 400:
		// reachable but rejecting credentials
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("LLM provider returned %d", resp.StatusCode), Details: details}
	case latency > 2*time.Second:
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("LLM provider slow (%v)", latency), Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "LLM provider reachable", Details: details}
}

// AgentsHealthChecker reports research agents that failed to initialize
type AgentsHealthChecker struct {
	registry *agents.Registry
}

// NewAgentsHealthChecker creates a non-critical checker over registry
func NewAgentsHealthChecker(registry *agents.Registry) *AgentsHealthChecker {
	return &AgentsHealthChecker{registry: registry}
}

func (a *AgentsHealthChecker) Name() string           { return "agents" }
func (a *AgentsHealthChecker) IsCritical() bool       { return false }
func (a *AgentsHealthChecker) Timeout() time.Duration { return time.Second }

func (a *AgentsHealthChecker) Check(context.Context) CheckResult {
	if a.registry == nil {
		return CheckResult{Status: StatusUnknown, Message: "No agent registry"}
	}
	status := a.registry.Status()
	details := make(map[string]interface{}, len(status))
	var down []string
	for name, ok := range status {
		details[name] = ok
		if !ok {
			down = append(down, name)
		}
	}
	if len(down) == 0 {
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d agents available", len(status)), Details: details}
	}
	if len(down) == len(status) {
		return CheckResult{Status: StatusUnhealthy, Message: "No research agents available", Details: details}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d of %d agents unavailable", len(down), len(status)),
		Details: details,
	}
}

// BreakersHealthChecker reports circuit breakers that are not closed
type BreakersHealthChecker struct {
	snapshot func() map[string]circuitbreaker.State
}

// NewBreakersHealthChecker reads states from the process-wide collector
func NewBreakersHealthChecker() *BreakersHealthChecker {
	return &BreakersHealthChecker{snapshot: circuitbreaker.GlobalMetricsCollector.Snapshot}
}

func (b *BreakersHealthChecker) Name() string           { return "circuit_breakers" }
func (b *BreakersHealthChecker) IsCritical() bool       { return false }
func (b *BreakersHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakersHealthChecker) Check(context.Context) CheckResult {
	states := b.snapshot()
	details := make(map[string]interface{}, len(states))
	open := 0
	for name, st := range states {
		details[name] = st.String()
		if st != circuitbreaker.StateClosed {
			open++
		}
	}
	if open > 0 {
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%d circuit breaker(s) not closed", open), Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "All circuit breakers closed", Details: details}
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name      string
	critical  bool
	timeout   time.Duration
	checkFunc func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFunc func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:      name,
		critical:  critical,
		timeout:   timeout,
		checkFunc: checkFunc,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	if c.checkFunc == nil {
		return CheckResult{Status: StatusUnknown, Message: "No check function defined"}
	}
	return c.checkFunc(ctx)
}
