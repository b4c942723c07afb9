package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
	"github.com/Anansitrading/HYPERCOG/internal/tracing"
)

// stage runs fn inside a span, publishes start and completion events and
// records the stage duration.
func (p *Pipeline) stage(ctx context.Context, sessionID, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartStageSpan(ctx, name, sessionID)
	defer span.End()

	if sessionID != "" {
		p.deps.Events.Publish(sessionID, streaming.Event{Type: streaming.StageStarted, Stage: name})
	}
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordStage(name, outcome, elapsed.Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if sessionID != "" {
		p.deps.Events.Publish(sessionID, streaming.Event{
			Type:    streaming.StageCompleted,
			Stage:   name,
			Payload: map[string]interface{}{"duration_ms": elapsed.Milliseconds()},
		})
	}
	return nil
}

// dispatch fans the query set out to every available agent that has
// queries. Each batch holds one limiter slot for its whole run. A batch
// that panics or cannot get a slot before cancellation degrades to an
// empty result set.
func (p *Pipeline) dispatch(ctx context.Context, sessionID string, queries map[string][]string) (map[string][]agents.Result, error) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string][]agents.Result)
	)
	for _, a := range p.deps.Agents.All() {
		qs := queries[a.Name()]
		if len(qs) == 0 {
			continue
		}
		if !a.Available() {
			p.log.Info("Skipping unavailable agent",
				zap.String("session_id", sessionID),
				zap.String("agent", a.Name()),
			)
			continue
		}

		wg.Add(1)
		go func(a agents.Agent, qs []string) {
			defer wg.Done()
			results := p.runAgent(ctx, sessionID, a, qs)
			mu.Lock()
			out[a.Name()] = results
			mu.Unlock()
		}(a, qs)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) runAgent(ctx context.Context, sessionID string, a agents.Agent, qs []string) (results []agents.Result) {
	log := p.log.With(zap.String("session_id", sessionID), zap.String("agent", a.Name()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Agent batch panicked", zap.Any("panic", r))
			results = []agents.Result{}
		}
		ok := 0
		for _, r := range results {
			if r.Success {
				ok++
			}
		}
		p.deps.Events.Publish(sessionID, streaming.Event{
			Type:  streaming.AgentCompleted,
			Stage: StageAgents,
			Agent: a.Name(),
			Payload: map[string]interface{}{
				"queries":   len(qs),
				"succeeded": ok,
			},
		})
	}()

	if err := p.deps.Limiter.Acquire(ctx); err != nil {
		log.Warn("Agent batch not admitted", zap.Error(err))
		return []agents.Result{}
	}
	defer p.deps.Limiter.Release()

	return a.Search(ctx, qs)
}

// setStatus records a transition. Store errors are logged and never stop the run.
func (p *Pipeline) setStatus(ctx context.Context, sessionID string, status session.Status, path string) {
	_, err := p.deps.Sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.Status = status
		if path != "" {
			s.Path = path
		}
	})
	if err != nil {
		p.log.Warn("Failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// finish and fail use a fresh context so a cancelled call still records its end
func (p *Pipeline) finish(sessionID string, res *Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.setStatus(ctx, sessionID, session.StatusReady, res.Path)
	p.deps.Events.Publish(sessionID, streaming.Event{
		Type: streaming.PipelineCompleted,
		Payload: map[string]interface{}{
			"path":   res.Path,
			"status": res.Status,
		},
	})
	p.log.Info("Enrichment complete",
		zap.String("session_id", sessionID),
		zap.String("path", res.Path),
		zap.String("status", res.Status),
	)
}

func (p *Pipeline) fail(sessionID string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, uerr := p.deps.Sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.Status = session.StatusFailed
		s.Error = err.Error()
	})
	if uerr != nil {
		p.log.Warn("Failed to mark session failed", zap.String("session_id", sessionID), zap.Error(uerr))
	}
	p.deps.Events.Publish(sessionID, streaming.Event{Type: streaming.PipelineFailed, Message: err.Error()})
	p.log.Error("Enrichment failed", zap.String("session_id", sessionID), zap.Error(err))
}
