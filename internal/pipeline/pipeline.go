// Package pipeline runs the enrichment state machine: extract, evaluate,
// then either optimize directly or enrich through gap analysis and the
// capability agents, splitting oversized contexts into subtasks on the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/consolidator"
	"github.com/Anansitrading/HYPERCOG/internal/decomposer"
	"github.com/Anansitrading/HYPERCOG/internal/evaluator"
	"github.com/Anansitrading/HYPERCOG/internal/extractor"
	"github.com/Anansitrading/HYPERCOG/internal/gaps"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/optimizer"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
)

// Stage names used in events, spans and metrics
const (
	StageExtract     = "extract"
	StageEvaluate    = "evaluate"
	StageGaps        = "gap_analysis"
	StageAgents      = "agents"
	StageConsolidate = "consolidate"
	StageDecompose   = "decompose"
	StageOptimize    = "optimize"
)

// Subtask result statuses
const (
	SubtaskOK     = "ok"
	SubtaskFailed = "failed"
)

// Stage collaborators. The concrete types live in their own packages.
type (
	Extractor interface {
		Extract(ctx context.Context, req extractor.Request) (models.Context, error)
	}
	Evaluator interface {
		Evaluate(ctx context.Context, c models.Context) (evaluator.Verdict, error)
	}
	GapAnalyzer interface {
		Analyze(ctx context.Context, c models.Context, v evaluator.Verdict) (gaps.Analysis, error)
	}
	Consolidator interface {
		Consolidate(ctx context.Context, c models.Context, results map[string][]agents.Result) (consolidator.Result, error)
	}
	Decomposer interface {
		Decompose(ctx context.Context, c models.Context, maxTokensPerSubtask int) (decomposer.Breakdown, error)
	}
	Optimizer interface {
		Optimize(ctx context.Context, task, text, sessionID string) (optimizer.Optimized, error)
	}
)

// Config holds the pipeline gates
type Config struct {
	MaxTokens int
	Timeout   time.Duration
}

// Deps wires the stages. Sessions, Events, Limiter and Tokens fall back to
// in-process defaults when nil.
type Deps struct {
	Extractor    Extractor
	Evaluator    Evaluator
	Gaps         GapAnalyzer
	Agents       *agents.Registry
	Consolidator Consolidator
	Decomposer   Decomposer
	Optimizer    Optimizer
	Sessions     session.Store
	Events       streaming.Publisher
	Limiter      *ratecontrol.Limiter
	Tokens       tokens.Estimator
	Logger       *zap.Logger
}

// SubtaskResult is the outcome of optimizing one subtask
type SubtaskResult struct {
	SubtaskID   string               `json:"subtask_id"`
	SubtaskName string               `json:"subtask_name"`
	SessionID   string               `json:"session_id"`
	Status      string               `json:"status"`
	Optimized   *optimizer.Optimized `json:"optimized_context,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Enrichment summarizes the research branch
type Enrichment struct {
	Gaps            gaps.KnowledgeGaps `json:"knowledge_gaps"`
	Queries         map[string]int     `json:"queries_dispatched"`
	QualityScore    float64            `json:"quality_score"`
	Improvements    []string           `json:"improvements,omitempty"`
	Conflicts       []string           `json:"conflicts,omitempty"`
	EstimatedTokens int                `json:"estimated_tokens"`
}

// Result is what Enrich returns
type Result struct {
	Status            string               `json:"status"`
	SessionID         string               `json:"session_id"`
	Path              string               `json:"path"`
	Evaluation        evaluator.Verdict    `json:"evaluation"`
	Enrichment        *Enrichment          `json:"enrichment,omitempty"`
	OptimizedContext  *optimizer.Optimized `json:"optimized_context,omitempty"`
	ExecutionStrategy string               `json:"execution_strategy,omitempty"`
	IntegrationPlan   string               `json:"integration_plan,omitempty"`
	SubtaskResults    []SubtaskResult      `json:"subtask_results,omitempty"`
}

// Pipeline is the enrichment orchestrator. It is safe for concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New validates deps and returns a Pipeline
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Evaluator == nil:
		return nil, errors.New("pipeline: evaluator is required")
	case deps.Gaps == nil:
		return nil, errors.New("pipeline: gap analyzer is required")
	case deps.Consolidator == nil:
		return nil, errors.New("pipeline: consolidator is required")
	case deps.Decomposer == nil:
		return nil, errors.New("pipeline: decomposer is required")
	case deps.Optimizer == nil:
		return nil, errors.New("pipeline: optimizer is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100000
	}
	if deps.Agents == nil {
		deps.Agents = agents.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewMemoryStore(0, deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = streaming.Nop{}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratecontrol.NewLimiter(ratecontrol.DefaultCapacity, deps.Logger)
	}
	if deps.Tokens == nil {
		deps.Tokens = tokens.Heuristic()
	}
	return &Pipeline{cfg: cfg, deps: deps, log: deps.Logger.With(zap.String("component", "pipeline"))}, nil
}

// Sessions exposes the session store for read endpoints
func (p *Pipeline) Sessions() session.Store { return p.deps.Sessions }

// Enrich validates req and runs the state machine under one deadline: the
// request's own timeout, else the configured one. On expiry it returns
// ErrTimeout and no partial result.
func (p *Pipeline) Enrich(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	metrics.PipelinesStarted.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
				done <- outcome{err: fmt.Errorf("pipeline panic: %v", r)}
			}
		}()
		res, err := p.run(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		metrics.RecordPipelineMetrics("none", "failed", time.Since(start).Seconds())
		return nil, out.err
	}
	metrics.RecordPipelineMetrics(out.res.Path, "ok", time.Since(start).Seconds())
	return out.res, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (res *Result, err error) {
	var c models.Context
	err = p.stage(ctx, req.Context.SessionID, StageExtract, func(ctx context.Context) error {
		var err error
		c, err = p.deps.Extractor.Extract(ctx, req.extraction())
		return err
	})
	if err != nil {
		return nil, err
	}
	sid := c.SessionID()
	log := p.log.With(zap.String("session_id", sid))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("pipeline panic: %v", r)
		}
		if err == nil && ctx.Err() != nil {
			res, err = nil, ctx.Err()
		}
		if err == nil && res == nil {
			err = errors.New("pipeline produced no result")
		}
		if err != nil {
			p.fail(sid, err)
			return
		}
		p.finish(sid, res)
	}()

	p.setStatus(ctx, sid, session.StatusEvaluating, "")
	var verdict evaluator.Verdict
	err = p.stage(ctx, sid, StageEvaluate, func(ctx context.Context) error {
		var err error
		verdict, err = p.deps.Evaluator.Evaluate(ctx, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	if verdict.Sufficient {
		estimated := p.deps.Tokens.Estimate(c.Text)
		log.Info("Context sufficient",
			zap.Float64("confidence", verdict.Confidence),
			zap.Int("estimated_tokens", estimated),
			zap.Int("max_tokens", p.cfg.MaxTokens),
		)
		if estimated <= p.cfg.MaxTokens {
			res, err = p.optimize(ctx, c, models.PathSufficientManageable)
		} else {
			res, err = p.decompose(ctx, c, models.PathSufficientTooLargeScrum)
		}
		if res != nil {
			res.Evaluation = verdict
		}
		return res, err
	}

	log.Info("Context insufficient, enriching",
		zap.Float64("confidence", verdict.Confidence),
		zap.Strings("missing_areas", verdict.MissingAreas),
	)
	enriched, summary, err := p.enrich(ctx, c, verdict)
	if err != nil {
		return nil, err
	}
	if summary.EstimatedTokens <= p.cfg.MaxTokens {
		res, err = p.optimize(ctx, enriched, models.PathEnrichedManageable)
	} else {
		res, err = p.decompose(ctx, enriched, models.PathEnrichedTooLargeScrum)
	}
	if res != nil {
		res.Evaluation = verdict
		res.Enrichment = summary
	}
	return res, err
}

// enrich runs gap analysis, the agent fan-out and consolidation
func (p *Pipeline) enrich(ctx context.Context, c models.Context, v evaluator.Verdict) (models.Context, *Enrichment, error) {
	sid := c.SessionID()
	p.setStatus(ctx, sid, session.StatusEnriching, "")

	var analysis gaps.Analysis
	if err := p.stage(ctx, sid, StageGaps, func(ctx context.Context) error {
		var err error
		analysis, err = p.deps.Gaps.Analyze(ctx, c, v)
		return err
	}); err != nil {
		return models.Context{}, nil, err
	}

	var results map[string][]agents.Result
	if err := p.stage(ctx, sid, StageAgents, func(ctx context.Context) error {
		var err error
		results, err = p.dispatch(ctx, sid, analysis.Queries)
		return err
	}); err != nil {
		return models.Context{}, nil, err
	}

	var merged consolidator.Result
	if err := p.stage(ctx, sid, StageConsolidate, func(ctx context.Context) error {
		var err error
		merged, err = p.deps.Consolidator.Consolidate(ctx, c, results)
		return err
	}); err != nil {
		return models.Context{}, nil, err
	}

	dispatched := make(map[string]int, len(results))
	for name, batch := range results {
		dispatched[name] = len(batch)
	}
	summary := &Enrichment{
		Gaps:            analysis.Gaps,
		Queries:         dispatched,
		QualityScore:    merged.QualityScore,
		Improvements:    merged.Improvements,
		Conflicts:       merged.Conflicts,
		EstimatedTokens: merged.EstimatedTokens,
	}
	return c.WithText(merged.EnrichedContext), summary, nil
}

func (p *Pipeline) optimize(ctx context.Context, c models.Context, path string) (*Result, error) {
	sid := c.SessionID()
	p.setStatus(ctx, sid, session.StatusOptimizing, path)

	var opt optimizer.Optimized
	if err := p.stage(ctx, sid, StageOptimize, func(ctx context.Context) error {
		var err error
		opt, err = p.deps.Optimizer.Optimize(ctx, c.Task, c.Text, sid)
		return err
	}); err != nil {
		return nil, err
	}
	return &Result{
		Status:           models.StatusReadyForExecution,
		SessionID:        sid,
		Path:             path,
		OptimizedContext: &opt,
	}, nil
}

func (p *Pipeline) decompose(ctx context.Context, c models.Context, path string) (*Result, error) {
	sid := c.SessionID()
	p.setStatus(ctx, sid, session.StatusDecomposing, path)

	var breakdown decomposer.Breakdown
	if err := p.stage(ctx, sid, StageDecompose, func(ctx context.Context) error {
		var err error
		breakdown, err = p.deps.Decomposer.Decompose(ctx, c, p.cfg.MaxTokens)
		return err
	}); err != nil {
		return nil, err
	}

	p.setStatus(ctx, sid, session.StatusOptimizing, path)
	results, err := p.runSubtasks(ctx, sid, breakdown.Subtasks)
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:            models.StatusSubtasksCompleted,
		SessionID:         sid,
		Path:              path,
		ExecutionStrategy: breakdown.ExecutionStrategy,
		IntegrationPlan:   breakdown.IntegrationPlan,
		SubtaskResults:    results,
	}, nil
}

// runSubtasks optimizes each subtask in list order. A failed subtask is
// recorded and its siblings continue; only cancellation stops the fold.
func (p *Pipeline) runSubtasks(ctx context.Context, parent string, subtasks []decomposer.Subtask) ([]SubtaskResult, error) {
	out := make([]SubtaskResult, 0, len(subtasks))
	for _, st := range subtasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child := SubtaskSessionID(parent, st.ID)
		r := SubtaskResult{SubtaskID: st.ID, SubtaskName: st.Name, SessionID: child}

		opt, err := p.runSubtask(ctx, child, st)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.log.Warn("Subtask optimization failed",
				zap.String("session_id", parent),
				zap.String("subtask_id", st.ID),
				zap.Error(err),
			)
			r.Status = SubtaskFailed
			r.Error = err.Error()
		} else {
			r.Status = SubtaskOK
			r.Optimized = &opt
		}
		metrics.SubtasksExecuted.WithLabelValues(r.Status).Inc()
		out = append(out, r)
	}
	return out, nil
}

func (p *Pipeline) runSubtask(ctx context.Context, child string, st decomposer.Subtask) (opt optimizer.Optimized, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subtask %s panicked: %v", st.ID, r)
		}
	}()
	err = p.stage(ctx, child, StageOptimize, func(ctx context.Context) error {
		var err error
		opt, err = p.deps.Optimizer.Optimize(ctx, st.Description, st.Context, child)
		return err
	})
	return opt, err
}

// SubtaskSessionID names the session of a subtask
func SubtaskSessionID(parent, subtaskID string) string {
	return parent + "_subtask_" + subtaskID
}
