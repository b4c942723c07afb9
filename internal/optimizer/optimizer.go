// Package optimizer rewrites a context into four attention zones. Every
// pipeline path ends here.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
)

const systemPrompt = `You optimize context for language model performance.
Place the task first and critical gotchas last, compress aggressively and never drop technical details that matter.
Always answer with a single JSON object.`

// Zones is an optimized context in reading order
type Zones struct {
	Task       string `json:"zone_1_task"`
	Core       string `json:"zone_2_core"`
	Supporting string `json:"zone_3_supporting"`
	Gotchas    string `json:"zone_4_gotchas"`
}

// Text renders the zones as one document, skipping empty ones
func (z Zones) Text() string {
	parts := make([]string, 0, 4)
	for _, s := range []string{z.Task, z.Core, z.Supporting, z.Gotchas} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// TokenCount compares the input and output sizes
type TokenCount struct {
	Original         int     `json:"original"`
	Optimized        int     `json:"optimized"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// Optimized is the optimizer's result
type Optimized struct {
	SessionID            string     `json:"session_id"`
	Zones                Zones      `json:"optimized_context"`
	TokenCount           TokenCount `json:"token_count"`
	OptimizationsApplied []string   `json:"optimizations_applied"`
}

// reply accepts zones nested under optimized_context or at the top level
type reply struct {
	Nested *Zones `json:"optimized_context"`
	Zones
	OptimizationsApplied llm.StringList `json:"optimizations_applied"`
}

func (r reply) zones() Zones {
	if r.Nested != nil {
		return *r.Nested
	}
	return r.Zones
}

// Optimizer runs the optimization stage
type Optimizer struct {
	llm       llm.Client
	sink      persistence.Sink
	tokens    tokens.Estimator
	maxPrompt int
	logger    *zap.Logger
}

// New builds an Optimizer. sink and est may be nil.
func New(client llm.Client, sink persistence.Sink, est tokens.Estimator, logger *zap.Logger) *Optimizer {
	if sink == nil {
		sink = persistence.Nop{}
	}
	if est == nil {
		est = tokens.Heuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		llm:       client,
		sink:      sink,
		tokens:    est,
		maxPrompt: 96000,
		logger:    logger.With(zap.String("stage", "optimizer")),
	}
}

// Optimize rewrites text for task into zones. The result never estimates
// larger than its input. Malformed output keeps the task and the text as
// zones 1 and 2.
func (o *Optimizer) Optimize(ctx context.Context, task, text, sessionID string) (Optimized, error) {
	out, err := llm.Ask[reply](ctx, o.llm, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   o.prompt(task, text),
		Structured:   true,
		Caller:       "optimizer",
	})
	if err != nil {
		return Optimized{}, fmt.Errorf("optimize context: %w", err)
	}

	var (
		zones   Zones
		applied []string
	)
	if r, ok := out.Value(); ok && strings.TrimSpace(r.zones().Text()) != "" {
		zones = r.zones()
		applied = []string(r.OptimizationsApplied)
	} else {
		o.logger.Warn("Optimizer output unusable, passing context through",
			zap.String("session_id", sessionID),
			zap.Bool("malformed", !ok),
		)
		zones = Zones{Task: task, Core: text}
	}
	if applied == nil {
		applied = []string{}
	}

	original := o.tokens.Estimate(text)
	limit := original
	if strings.TrimSpace(text) == "" {
		limit = o.tokens.Estimate(task)
	}
	if trimmed, changed := o.enforceNoGrowth(zones, limit); changed {
		zones = trimmed
		applied = append(applied, fmt.Sprintf("Trimmed zones to stay within %d tokens", limit))
	}

	optimized := o.tokens.Estimate(zones.Text())
	res := Optimized{
		SessionID:            sessionID,
		Zones:                zones,
		TokenCount:           TokenCount{Original: original, Optimized: optimized, ReductionPercent: reduction(original, optimized)},
		OptimizationsApplied: applied,
	}

	if err := o.sink.Write(ctx, persistence.Record{
		SessionID: sessionID,
		Kind:      persistence.KindOptimized,
		Name:      "optimized",
		Timestamp: time.Now(),
		Payload:   res,
	}); err != nil {
		o.logger.Warn("Failed to persist optimized context", zap.String("session_id", sessionID), zap.Error(err))
	}

	o.logger.Info("Optimization complete",
		zap.String("session_id", sessionID),
		zap.Int("original_tokens", original),
		zap.Int("optimized_tokens", optimized),
		zap.Float64("reduction_percent", res.TokenCount.ReductionPercent),
	)
	return res, nil
}

// enforceNoGrowth trims supporting, core, gotchas and task, in that order,
// until the rendered zones fit in limit tokens.
func (o *Optimizer) enforceNoGrowth(z Zones, limit int) (Zones, bool) {
	changed := false
	for _, zone := range []*string{&z.Supporting, &z.Core, &z.Gotchas, &z.Task} {
		for *zone != "" {
			total := o.tokens.Estimate(z.Text())
			if total <= limit {
				return z, changed
			}
			changed = true
			current := o.tokens.Estimate(*zone)
			target := current - (total - limit)
			if target <= 0 {
				*zone = ""
				break
			}
			next := o.tokens.Truncate(*zone, target)
			if next == *zone {
				next = o.tokens.Truncate(*zone, current-1)
			}
			if next == *zone {
				next = ""
			}
			*zone = next
		}
	}
	return z, changed
}

func reduction(original, optimized int) float64 {
	if original == 0 {
		return 0
	}
	pct := float64(original-optimized) / float64(original) * 100
	return math.Round(pct*100) / 100
}

func (o *Optimizer) prompt(task, text string) string {
	return fmt.Sprintf(`MANDATORY CONTEXT OPTIMIZATION

TASK:
%s

CONTEXT TO OPTIMIZE:
%s

Optimize this context for optimal LLM performance.

REQUIREMENTS:
1. Zone placement:
   - Zone 1 (start): clear task definition, user intent, success criteria
   - Zone 2 (middle-early): essential technical information, key dependencies
   - Zone 3 (middle-late): supporting and background information
   - Zone 4 (end): critical gotchas, edge cases, warnings, security notes
2. Token compression: deduplicate aggressively, summarize verbose sections, preserve technical precision.
3. Priority ordering: rank by impact on outcome quality, dependencies before dependents.
4. The result must not be longer than the input.

Return JSON with: optimized_context {zone_1_task, zone_2_core, zone_3_supporting, zone_4_gotchas}, optimizations_applied`,
		task, o.tokens.Truncate(text, o.maxPrompt))
}
