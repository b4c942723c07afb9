// Package decomposer splits an oversized context into ordered subtasks.
package decomposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/tokens"
	"github.com/Anansitrading/HYPERCOG/internal/validation"
)

// Execution strategies
const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
	StrategyMixed      = "mixed"
)

const systemPrompt = `You break large engineering tasks into cohesive, independently executable subtasks.
Each subtask receives only the slice of context it needs.
Always answer with a single JSON object.`

// Subtask is one unit of a breakdown
type Subtask struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Context         string   `json:"context"`
	Dependencies    []string `json:"dependencies"`
	ExecutionOrder  int      `json:"execution_order"`
	SuccessCriteria []string `json:"success_criteria"`
}

// Breakdown is the decomposer's result. Subtasks are sorted by
// ExecutionOrder and every dependency names an earlier subtask.
type Breakdown struct {
	Subtasks          []Subtask `json:"subtasks"`
	ExecutionStrategy string    `json:"execution_strategy"`
	IntegrationPlan   string    `json:"integration_plan"`
}

// flexID accepts ids written as JSON strings or numbers
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("subtask id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type flexIDs []flexID

func (f *flexIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = nil
		return nil
	}
	if len(b) > 0 && b[0] != '[' {
		var one flexID
		if err := one.UnmarshalJSON(b); err != nil {
			return err
		}
		if one != "" {
			*f = flexIDs{one}
		}
		return nil
	}
	var many []flexID
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

type subtaskReply struct {
	ID              flexID         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Context         string         `json:"context"`
	Dependencies    flexIDs        `json:"dependencies"`
	ExecutionOrder  float64        `json:"execution_order"`
	SuccessCriteria llm.StringList `json:"success_criteria"`
}

type breakdownReply struct {
	Subtasks          []subtaskReply `json:"subtasks"`
	ExecutionStrategy string         `json:"execution_strategy"`
	IntegrationPlan   string         `json:"integration_plan"`
}

// Decomposer runs the breakdown stage
type Decomposer struct {
	llm       llm.Client
	tokens    tokens.Estimator
	maxPrompt int
	logger    *zap.Logger
}

// New builds a Decomposer. est may be nil.
func New(client llm.Client, est tokens.Estimator, logger *zap.Logger) *Decomposer {
	if est == nil {
		est = tokens.Heuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		llm:       client,
		tokens:    est,
		maxPrompt: 96000,
		logger:    logger.With(zap.String("stage", "decomposer")),
	}
}

// Decompose asks the model for a breakdown of c and normalizes it. Malformed
// or empty output yields a single subtask carrying the whole context.
func (d *Decomposer) Decompose(ctx context.Context, c models.Context, maxTokensPerSubtask int) (Breakdown, error) {
	out, err := llm.Ask[breakdownReply](ctx, d.llm, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   d.prompt(c, maxTokensPerSubtask),
		Structured:   true,
		Caller:       "decomposer",
	})
	if err != nil {
		return Breakdown{}, fmt.Errorf("decompose task: %w", err)
	}

	reply, ok := out.Value()
	if !ok || len(reply.Subtasks) == 0 {
		d.logger.Warn("Breakdown output unusable, using a single subtask",
			zap.String("session_id", c.SessionID()),
			zap.Bool("malformed", !ok),
		)
		return Fallback(c), nil
	}

	b := normalize(reply)
	d.logger.Info("Task decomposed",
		zap.String("session_id", c.SessionID()),
		zap.Int("subtasks", len(b.Subtasks)),
		zap.String("strategy", b.ExecutionStrategy),
	)
	return b, nil
}

// Fallback is the single-subtask breakdown used when the model output is unusable
func Fallback(c models.Context) Breakdown {
	return Breakdown{
		Subtasks: []Subtask{{
			ID:              "subtask_1",
			Name:            "Complete task",
			Description:     c.Task,
			Context:         c.Text,
			Dependencies:    []string{},
			ExecutionOrder:  1,
			SuccessCriteria: []string{"Complete the task"},
		}},
		ExecutionStrategy: StrategySequential,
		IntegrationPlan:   "N/A",
	}
}

// normalize makes ids unique, drops unknown and self dependencies, clears
// all dependencies when they form a cycle and recomputes execution order as
// the topological level.
func normalize(r breakdownReply) Breakdown {
	subtasks := make([]Subtask, len(r.Subtasks))
	used := make(map[string]bool, len(r.Subtasks))
	// first id seen for each raw id, so dependencies resolve to it
	byRaw := make(map[string]string, len(r.Subtasks))

	for i, st := range r.Subtasks {
		raw := string(st.ID)
		id := raw
		if id == "" {
			id = "subtask_" + strconv.Itoa(i+1)
		}
		if used[id] {
			base := id
			for n := 2; used[id]; n++ {
				id = base + "_" + strconv.Itoa(n)
			}
		}
		used[id] = true
		if _, ok := byRaw[raw]; !ok && raw != "" {
			byRaw[raw] = id
		}

		criteria := []string(st.SuccessCriteria)
		if len(criteria) == 0 {
			criteria = []string{}
		}
		subtasks[i] = Subtask{
			ID:              id,
			Name:            st.Name,
			Description:     st.Description,
			Context:         st.Context,
			SuccessCriteria: criteria,
		}
		if subtasks[i].Name == "" {
			subtasks[i].Name = id
		}
	}

	for i, st := range r.Subtasks {
		deps := []string{}
		seen := make(map[string]bool)
		for _, dep := range st.Dependencies {
			target, ok := byRaw[string(dep)]
			if !ok || target == subtasks[i].ID || seen[target] {
				continue
			}
			seen[target] = true
			deps = append(deps, target)
		}
		subtasks[i].Dependencies = deps
	}

	strategy := strings.ToLower(strings.TrimSpace(r.ExecutionStrategy))
	switch strategy {
	case StrategySequential, StrategyParallel, StrategyMixed:
	default:
		strategy = StrategySequential
	}

	graph := validation.AnalyzeDependencies(infos(subtasks))
	if graph.HasCycle {
		for i := range subtasks {
			subtasks[i].Dependencies = []string{}
		}
		strategy = StrategySequential
		graph = validation.AnalyzeDependencies(infos(subtasks))
	}
	for i := range subtasks {
		subtasks[i].ExecutionOrder = graph.Levels[subtasks[i].ID]
	}
	sort.SliceStable(subtasks, func(i, j int) bool {
		return subtasks[i].ExecutionOrder < subtasks[j].ExecutionOrder
	})

	return Breakdown{
		Subtasks:          subtasks,
		ExecutionStrategy: strategy,
		IntegrationPlan:   r.IntegrationPlan,
	}
}

func infos(subtasks []Subtask) []validation.SubtaskInfo {
	out := make([]validation.SubtaskInfo, len(subtasks))
	for i, st := range subtasks {
		out[i] = validation.SubtaskInfo{ID: st.ID, Dependencies: st.Dependencies}
	}
	return out
}

func (d *Decomposer) prompt(c models.Context, maxTokensPerSubtask int) string {
	return fmt.Sprintf(`TASK BREAKDOWN REQUIRED

REASON: Context too large (%d tokens, limit %d per subtask)

ORIGINAL TASK:
%s

FULL CONTEXT:
%s

Break this down into logical, independently executable subtasks.

GUIDELINES:
1. Each subtask should be self-contained
2. Minimize inter-subtask dependencies
3. Allocate only necessary context to each subtask
4. Keep every subtask's context under %d tokens
5. Don't over-fragment - maintain cohesion
6. Remember: each subtask will be optimized independently

Return JSON with:
- subtasks: [{id, name, description, context, dependencies, execution_order, success_criteria}]
- execution_strategy: "sequential" | "parallel" | "mixed"
- integration_plan: "how to combine subtask results"`,
		d.tokens.Estimate(c.Text), maxTokensPerSubtask,
		c.Task,
		d.tokens.Truncate(c.Text, d.maxPrompt),
		maxTokensPerSubtask,
	)
}
