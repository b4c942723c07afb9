// Package evaluator judges whether a context is sufficient for its task,
// optionally cross-checking the judgment against live research findings.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/keywords"
	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
)

const (
	// DefaultConfidenceFloor is the minimum confidence for a sufficient verdict
	DefaultConfidenceFloor = 0.75
	defaultPromptTokens    = 24000
	malformedConfidence    = 0.3
)

// Verdict is the evaluator's judgment of one context
type Verdict struct {
	Sufficient          bool        `json:"sufficient"`
	Confidence          float64     `json:"confidence"`
	Reasoning           []string    `json:"reasoning"`
	MissingAreas        []string    `json:"missing_areas"`
	Complexity          string      `json:"complexity,omitempty"`
	RecommendedApproach string      `json:"recommended_approach,omitempty"`
	Validation          *Validation `json:"validation,omitempty"`
}

// Validation records where a validated verdict's evidence came from
type Validation struct {
	Sources    []string            `json:"sources"`
	Findings   map[string][]string `json:"findings"`
	Confidence float64             `json:"validation_confidence"`
}

// verdictReply is the model's wire format. Older prompts answer with
// "reasons", newer ones with "reasoning".
type verdictReply struct {
	Sufficient           bool           `json:"sufficient"`
	Confidence           float64        `json:"confidence"`
	Reasons              llm.StringList `json:"reasons"`
	Reasoning            llm.StringList `json:"reasoning"`
	MissingAreas         llm.StringList `json:"missing_areas"`
	Complexity           string         `json:"complexity"`
	RecommendedApproach  string         `json:"recommended_approach"`
	ValidationConfidence *float64       `json:"validation_confidence"`
}

func (r verdictReply) verdict() Verdict {
	reasoning := []string(r.Reasoning)
	if len(reasoning) == 0 {
		reasoning = []string(r.Reasons)
	}
	return Verdict{
		Sufficient:          r.Sufficient,
		Confidence:          r.Confidence,
		Reasoning:           reasoning,
		MissingAreas:        []string(r.MissingAreas),
		Complexity:          strings.ToLower(strings.TrimSpace(r.Complexity)),
		RecommendedApproach: r.RecommendedApproach,
	}
}

// Config holds evaluator tunables
type Config struct {
	LiveValidation  bool
	ConfidenceFloor float64
	// MaxPromptTokens caps the context text embedded in prompts
	MaxPromptTokens int
}

// Options carries the evaluator's collaborators. Only the LLM client is
// required; a nil Research agent disables live validation.
type Options struct {
	Research agents.Agent
	Keywords *keywords.Store
	Cache    *Cache
	Limiter  *ratecontrol.Limiter
	Tokens   tokens.Estimator
	Logger   *zap.Logger
}

// Evaluator produces sufficiency verdicts
type Evaluator struct {
	llm      llm.Client
	research agents.Agent
	keywords *keywords.Store
	cache    *Cache
	limiter  *ratecontrol.Limiter
	tokens   tokens.Estimator
	cfg      Config
	logger   *zap.Logger
}

// New builds an Evaluator, filling in defaults for missing options
func New(client llm.Client, cfg Config, opts Options) *Evaluator {
	if cfg.ConfidenceFloor <= 0 || cfg.ConfidenceFloor > 1 {
		cfg.ConfidenceFloor = DefaultConfidenceFloor
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = defaultPromptTokens
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Keywords == nil {
		opts.Keywords = keywords.NewStore(nil, opts.Logger)
	}
	if opts.Tokens == nil {
		opts.Tokens = tokens.Heuristic()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratecontrol.NewLimiter(ratecontrol.DefaultCapacity, opts.Logger)
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(1024, 24*time.Hour, nil, opts.Logger)
	}
	return &Evaluator{
		llm:      client,
		research: opts.Research,
		keywords: opts.Keywords,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		tokens:   opts.Tokens,
		cfg:      cfg,
		logger:   opts.Logger.With(zap.String("stage", "evaluator")),
	}
}

// Evaluate judges c. Transport errors from the initial assessment are
// returned; malformed model output falls back to an insufficient verdict.
// Every returned verdict satisfies the confidence floor.
func (e *Evaluator) Evaluate(ctx context.Context, c models.Context) (Verdict, error) {
	static, err := e.assess(ctx, c)
	if err != nil {
		return Verdict{}, err
	}

	if !e.cfg.LiveValidation {
		return e.applyFloor(static), nil
	}
	if e.research == nil || !e.research.Available() {
		e.logger.Info("Live validation skipped, research agent unavailable",
			zap.String("session_id", c.SessionID()),
		)
		return e.applyFloor(static), nil
	}

	report := e.validate(ctx, c, static)
	if report.empty() {
		e.logger.Info("Live validation produced no findings, keeping initial verdict",
			zap.String("session_id", c.SessionID()),
		)
		return e.applyFloor(static), nil
	}

	return e.applyFloor(e.synthesize(ctx, c, static, report)), nil
}

func (e *Evaluator) assess(ctx context.Context, c models.Context) (Verdict, error) {
	out, err := llm.Ask[verdictReply](ctx, e.llm, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   e.assessmentPrompt(c),
		Structured:   true,
		Caller:       "evaluator.static",
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate context: %w", err)
	}
	if out.IsMalformed() {
		e.logger.Warn("Evaluator returned malformed verdict, assuming insufficient",
			zap.String("session_id", c.SessionID()),
		)
	}
	return out.OrElse(func(string) verdictReply {
		return verdictReply{
			Confidence:   malformedConfidence,
			Reasons:      llm.StringList{"Evaluation output could not be parsed"},
			MissingAreas: llm.StringList{"Unknown"},
		}
	}).verdict(), nil
}

// synthesize folds findings into the static verdict. Any failure keeps the
// static judgment and still attaches the evidence that was gathered.
func (e *Evaluator) synthesize(ctx context.Context, c models.Context, static Verdict, report validationReport) Verdict {
	validation := &Validation{
		Sources:    report.sources,
		Findings:   report.findings,
		Confidence: report.coverage(),
	}

	out, err := llm.Ask[verdictReply](ctx, e.llm, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   e.synthesisPrompt(c, static, report),
		Structured:   true,
		Caller:       "evaluator.synthesis",
	})
	if err != nil {
		e.logger.Warn("Validation synthesis failed, keeping initial verdict",
			zap.String("session_id", c.SessionID()),
			zap.Error(err),
		)
		static.Validation = validation
		return static
	}
	reply, ok := out.Value()
	if !ok {
		e.logger.Warn("Validation synthesis returned malformed output, keeping initial verdict",
			zap.String("session_id", c.SessionID()),
		)
		static.Validation = validation
		return static
	}

	final := reply.verdict()
	if len(final.Reasoning) == 0 {
		final.Reasoning = append([]string(nil), static.Reasoning...)
	}
	if final.Complexity == "" {
		final.Complexity = static.Complexity
	}
	if final.RecommendedApproach == "" {
		final.RecommendedApproach = static.RecommendedApproach
	}
	if reply.ValidationConfidence != nil {
		validation.Confidence = clamp(*reply.ValidationConfidence)
	}
	final.Validation = validation
	return final
}

// applyFloor clamps confidence to [0,1] and downgrades sufficient verdicts
// below the floor.
func (e *Evaluator) applyFloor(v Verdict) Verdict {
	v.Confidence = clamp(v.Confidence)
	if v.Sufficient && v.Confidence < e.cfg.ConfidenceFloor {
		v.Sufficient = false
		v.Reasoning = append(append([]string(nil), v.Reasoning...),
			fmt.Sprintf("Downgraded to insufficient: confidence %.2f is below the %.2f floor", v.Confidence, e.cfg.ConfidenceFloor))
		metrics.VerdictsDowngraded.Inc()
		e.logger.Info("Sufficient verdict downgraded", zap.Float64("confidence", v.Confidence))
	}
	return v
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func mustJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
