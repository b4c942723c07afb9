// Package gaps runs the three-round refinement loop that turns an
// insufficient verdict into prioritized knowledge gaps and agent queries.
package gaps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/evaluator"
	"github.com/Anansitrading/HYPERCOG/internal/keywords"
	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
)

// Rounds is the fixed number of refinement iterations
const Rounds = 3

const systemPrompt = `You analyse what knowledge is missing before a task can be done well.
Work like a hermeneutic circle: interpret the parts in light of the whole and the whole in light of the parts.
Phrase every gap as a short statement and mark how badly it is needed with words such as must, should or critical.
Always answer with a single JSON object.`

var roundInstructions = [Rounds]string{
	"Initial examination: identify obvious gaps and surface-level relationships",
	"Deeper analysis: re-examine gaps in context of the whole, find hidden dependencies",
	"Synthesis: final refinement, prioritize gaps by criticality",
}

// Iteration is the outcome of one round
type Iteration struct {
	Iteration            int      `json:"iteration"`
	Understanding        string   `json:"understanding,omitempty"`
	Gaps                 []string `json:"gaps_identified"`
	RefinedUnderstanding string   `json:"refined_understanding"`
}

// KnowledgeGaps are the deduplicated gaps by priority
type KnowledgeGaps struct {
	Critical      []string `json:"critical"`
	Important     []string `json:"important"`
	Supplementary []string `json:"supplementary"`
}

// Analysis is the gap analyzer's result
type Analysis struct {
	Task               string              `json:"task"`
	Iterations         []Iteration         `json:"iterations"`
	Gaps               KnowledgeGaps       `json:"knowledge_gaps"`
	Queries            map[string][]string `json:"search_queries"`
	FinalUnderstanding string              `json:"final_understanding"`
}

// QueryCount returns the total number of queries across agents
func (a Analysis) QueryCount() int {
	n := 0
	for _, q := range a.Queries {
		n += len(q)
	}
	return n
}

type roundReply struct {
	Iteration            int            `json:"iteration"`
	Understanding        string         `json:"understanding"`
	Gaps                 llm.StringList `json:"gaps_identified"`
	RefinedUnderstanding string         `json:"refined_understanding"`
}

// Analyzer runs the refinement loop
type Analyzer struct {
	llm       llm.Client
	keywords  *keywords.Store
	tokens    tokens.Estimator
	maxTokens int
	logger    *zap.Logger
}

// New builds an Analyzer. kw and est may be nil.
func New(client llm.Client, kw *keywords.Store, est tokens.Estimator, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if kw == nil {
		kw = keywords.NewStore(nil, logger)
	}
	if est == nil {
		est = tokens.Heuristic()
	}
	return &Analyzer{
		llm:       client,
		keywords:  kw,
		tokens:    est,
		maxTokens: 24000,
		logger:    logger.With(zap.String("stage", "gaps")),
	}
}

// Analyze runs exactly Rounds iterations. A round whose output cannot be
// parsed contributes no gaps and leaves the understanding unchanged;
// transport errors abort the analysis.
func (a *Analyzer) Analyze(ctx context.Context, c models.Context, verdict evaluator.Verdict) (Analysis, error) {
	understanding := c.Text
	iterations := make([]Iteration, 0, Rounds)

	for i := 1; i <= Rounds; i++ {
		out, err := llm.Ask[roundReply](ctx, a.llm, llm.Request{
			SystemPrompt: systemPrompt,
			UserPrompt:   a.roundPrompt(i, c.Task, understanding, verdict, iterations),
			Structured:   true,
			Caller:       fmt.Sprintf("gaps.round_%d", i),
		})
		if err != nil {
			return Analysis{}, fmt.Errorf("gap analysis round %d: %w", i, err)
		}

		it := Iteration{Iteration: i, RefinedUnderstanding: understanding}
		if reply, ok := out.Value(); ok {
			it.Understanding = reply.Understanding
			it.Gaps = []string(reply.Gaps)
			if strings.TrimSpace(reply.RefinedUnderstanding) != "" {
				it.RefinedUnderstanding = reply.RefinedUnderstanding
			}
		} else {
			a.logger.Warn("Gap analysis round returned malformed output",
				zap.String("session_id", c.SessionID()),
				zap.Int("round", i),
			)
		}
		iterations = append(iterations, it)
		understanding = it.RefinedUnderstanding
	}

	gaps := a.classify(iterations)
	analysis := Analysis{
		Task:               c.Task,
		Iterations:         iterations,
		Gaps:               gaps,
		Queries:            a.route(c.Task, gaps),
		FinalUnderstanding: understanding,
	}
	a.logger.Info("Gap analysis complete",
		zap.String("session_id", c.SessionID()),
		zap.Int("critical", len(gaps.Critical)),
		zap.Int("important", len(gaps.Important)),
		zap.Int("supplementary", len(gaps.Supplementary)),
		zap.Int("queries", analysis.QueryCount()),
	)
	return analysis, nil
}

// classify deduplicates gaps by exact text in first-seen order and sorts
// them into priority buckets.
func (a *Analyzer) classify(iterations []Iteration) KnowledgeGaps {
	t := a.keywords.Get()
	seen := make(map[string]bool)
	var out KnowledgeGaps
	for _, it := range iterations {
		for _, g := range it.Gaps {
			if seen[g] {
				continue
			}
			seen[g] = true
			switch t.Priority(g) {
			case "critical":
				out.Critical = append(out.Critical, g)
			case "important":
				out.Important = append(out.Important, g)
			default:
				out.Supplementary = append(out.Supplementary, g)
			}
		}
	}
	return out
}

// route builds per-agent queries from critical and important gaps.
// Supplementary gaps are not researched.
func (a *Analyzer) route(task string, gaps KnowledgeGaps) map[string][]string {
	t := a.keywords.Get()
	queries := map[string][]string{
		agents.WebResearch:    {},
		agents.VectorSearch:   {},
		agents.KnowledgeGraph: {},
		agents.FileSearch:     {},
	}
	for _, g := range append(append([]string(nil), gaps.Critical...), gaps.Important...) {
		queries[agents.WebResearch] = append(queries[agents.WebResearch], task+": "+g)
		queries[agents.VectorSearch] = append(queries[agents.VectorSearch], g)
		if t.IsInterrogative(g) {
			queries[agents.KnowledgeGraph] = append(queries[agents.KnowledgeGraph], g)
		}
		if t.MentionsDocumentation(g) {
			queries[agents.FileSearch] = append(queries[agents.FileSearch], g)
		}
	}
	return queries
}

func (a *Analyzer) roundPrompt(round int, task, understanding string, verdict evaluator.Verdict, previous []Iteration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HERMENEUTIC CIRCLE ITERATION %d/%d\n\n", round, Rounds)
	fmt.Fprintf(&b, "TASK:\n%s\n\n", task)
	fmt.Fprintf(&b, "CURRENT UNDERSTANDING (WHOLE):\n%s\n\n", a.tokens.Truncate(understanding, a.maxTokens))
	fmt.Fprintf(&b, "EVALUATION FEEDBACK:\n%s\n\n", indentJSON(verdict))
	if len(previous) > 0 {
		fmt.Fprintf(&b, "PREVIOUS ITERATIONS:\n%s\n\n", indentJSON(previous))
	}
	fmt.Fprintf(&b, "Instructions for Iteration %d:\n- %s\n\n", round, roundInstructions[round-1])
	fmt.Fprintf(&b, `Return JSON with:
- iteration: %d
- understanding: "your updated understanding"
- gaps_identified: ["gap1", "gap2", ...]
- refined_understanding: "synthesized whole understanding"`, round)
	return b.String()
}

func indentJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
