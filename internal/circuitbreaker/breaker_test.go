package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 0

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected state to remain closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errors.New("boom") }); err == nil {
			t.Fatal("expected error")
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected open error, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected probe success, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probes, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenLimitsProbes(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	cb.mu.Lock()
	cb.transition(StateHalfOpen, time.Now())
	cb.mu.Unlock()

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	}
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("expected too many requests, got %v", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 || counts.TotalSuccesses != 2 || counts.TotalFailures != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.ConsecutiveSuccesses != 1 || counts.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected consecutive counts: %+v", counts)
	}
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func() error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancellation must not open the breaker, got %s", cb.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var from, to State
	called := false
	config.OnStateChange = func(_ string, f, n State) {
		called = true
		from, to = f, n
	}

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("error") })
	}

	if !called {
		t.Fatal("expected state change callback")
	}
	if from != StateClosed || to != StateOpen {
		t.Fatalf("expected closed->open, got %s->%s", from, to)
	}
}

func TestConfigForEnvOverride(t *testing.T) {
	t.Setenv("HYPERCOG_CB_HTTP_FAILURE_THRESHOLD", "9")
	t.Setenv("HYPERCOG_CB_HTTP_TIMEOUT", "3s")

	cfg := ConfigFor(KindHTTP)
	if cfg.FailureThreshold != 9 {
		t.Fatalf("expected override 9, got %d", cfg.FailureThreshold)
	}
	if cfg.Timeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", cfg.Timeout)
	}
	if ConfigFor(KindRedis).FailureThreshold != 3 {
		t.Fatal("redis profile must not pick up http overrides")
	}
}
