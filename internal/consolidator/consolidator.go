// Package consolidator merges research results into an enriched context.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
)

const systemPrompt = `You consolidate research findings into a single context for a downstream task.
Keep only what is relevant, remove duplication, preserve attribution and flag contradictions.
Always answer with a single JSON object.`

// Result is the consolidated context and its provenance
type Result struct {
	EnrichedContext string          `json:"enriched_context"`
	SourcesUsed     json.RawMessage `json:"sources_used"`
	Improvements    []string        `json:"improvements"`
	EstimatedTokens int             `json:"estimated_tokens"`
	QualityScore    float64         `json:"quality_score"`
	Conflicts       []string        `json:"conflicts,omitempty"`
}

type reply struct {
	EnrichedContext string          `json:"enriched_context"`
	SourcesUsed     json.RawMessage `json:"sources_used"`
	Improvements    llm.StringList  `json:"improvements"`
	EstimatedTokens float64         `json:"estimated_tokens"`
	QualityScore    float64         `json:"quality_score"`
	Conflicts       llm.StringList  `json:"conflicts"`
}

// Consolidator runs the consolidation stage
type Consolidator struct {
	llm       llm.Client
	sink      persistence.Sink
	tokens    tokens.Estimator
	maxTokens int
	logger    *zap.Logger
}

// New builds a Consolidator. sink and est may be nil.
func New(client llm.Client, sink persistence.Sink, est tokens.Estimator, logger *zap.Logger) *Consolidator {
	if sink == nil {
		sink = persistence.Nop{}
	}
	if est == nil {
		est = tokens.Heuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		llm:       client,
		sink:      sink,
		tokens:    est,
		maxTokens: 48000,
		logger:    logger.With(zap.String("stage", "consolidator")),
	}
}

// Consolidate persists each non-empty batch, then merges the successful
// results with c. Malformed output returns c's text unchanged with quality 0.
func (s *Consolidator) Consolidate(ctx context.Context, c models.Context, results map[string][]agents.Result) (Result, error) {
	sources := orderedSources(results)
	s.persist(ctx, c.SessionID(), sources, results)

	out, err := llm.Ask[reply](ctx, s.llm, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   s.prompt(c, sources, results),
		Structured:   true,
		Caller:       "consolidator",
	})
	if err != nil {
		return Result{}, fmt.Errorf("consolidate results: %w", err)
	}

	r, ok := out.Value()
	if !ok || strings.TrimSpace(r.EnrichedContext) == "" {
		s.logger.Warn("Consolidation output unusable, keeping original context",
			zap.String("session_id", c.SessionID()),
			zap.Bool("malformed", !ok),
		)
		return Result{
			EnrichedContext: c.Text,
			SourcesUsed:     json.RawMessage(`{}`),
			Improvements:    []string{},
			EstimatedTokens: s.tokens.Estimate(c.Text),
		}, nil
	}

	res := Result{
		EnrichedContext: r.EnrichedContext,
		SourcesUsed:     r.SourcesUsed,
		Improvements:    []string(r.Improvements),
		EstimatedTokens: int(r.EstimatedTokens),
		QualityScore:    clamp(r.QualityScore),
		Conflicts:       []string(r.Conflicts),
	}
	if len(res.SourcesUsed) == 0 {
		res.SourcesUsed = json.RawMessage(`{}`)
	}
	if est := s.tokens.Estimate(res.EnrichedContext); est > res.EstimatedTokens {
		res.EstimatedTokens = est
	}

	s.logger.Info("Consolidation complete",
		zap.String("session_id", c.SessionID()),
		zap.Float64("quality_score", res.QualityScore),
		zap.Int("estimated_tokens", res.EstimatedTokens),
		zap.Int("conflicts", len(res.Conflicts)),
	)
	return res, nil
}

// persist writes each non-empty batch as a rough artifact. Failures are logged.
func (s *Consolidator) persist(ctx context.Context, sessionID string, sources []string, results map[string][]agents.Result) {
	now := time.Now()
	for _, src := range sources {
		batch := results[src]
		if len(batch) == 0 {
			continue
		}
		err := s.sink.Write(ctx, persistence.Record{
			SessionID: sessionID,
			Kind:      persistence.KindRough,
			Name:      src,
			Timestamp: now,
			Payload:   batch,
		})
		if err != nil {
			s.logger.Warn("Failed to persist research results",
				zap.String("session_id", sessionID),
				zap.String("source", src),
				zap.Error(err),
			)
		}
	}
}

func (s *Consolidator) prompt(c models.Context, sources []string, results map[string][]agents.Result) string {
	var rb strings.Builder
	for _, src := range sources {
		fmt.Fprintf(&rb, "\n\n=== %s RESULTS ===\n", strings.ToUpper(src))
		for _, r := range results[src] {
			if !r.Success {
				continue
			}
			fmt.Fprintf(&rb, "\nQuery: %s\nResult: %s\n", r.Query, r.Result)
			if len(r.Sources) > 0 {
				fmt.Fprintf(&rb, "Sources: %s\n", strings.Join(r.Sources, ", "))
			}
		}
	}

	return fmt.Sprintf(`Consolidate the following research results:

ORIGINAL TASK:
%s

ORIGINAL CONTEXT:
%s

SUB-AGENT RESEARCH RESULTS:
%s

Instructions:
1. Extract ONLY information directly relevant to the task
2. Deduplicate and normalize findings
3. Merge with original context coherently
4. Ensure significant improvement over original
5. Track sources for attribution
6. Estimate token count of enriched context

Return JSON with: enriched_context, sources_used, improvements, estimated_tokens, quality_score (0-1), conflicts (if any)`,
		c.Task,
		s.tokens.Truncate(c.Text, s.maxTokens/2),
		s.tokens.Truncate(rb.String(), s.maxTokens/2),
	)
}

// orderedSources lists known agents in dispatch order, then any others sorted
func orderedSources(results map[string][]agents.Result) []string {
	var out []string
	known := make(map[string]bool, len(agents.Names))
	for _, n := range agents.Names {
		known[n] = true
		if _, ok := results[n]; ok {
			out = append(out, n)
		}
	}
	var extra []string
	for n := range results {
		if !known[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
