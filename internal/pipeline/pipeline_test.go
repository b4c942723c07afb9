package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/consolidator"
	"github.com/Anansitrading/HYPERCOG/internal/decomposer"
	"github.com/Anansitrading/HYPERCOG/internal/evaluator"
	"github.com/Anansitrading/HYPERCOG/internal/extractor"
	"github.com/Anansitrading/HYPERCOG/internal/gaps"
	"github.com/Anansitrading/HYPERCOG/internal/llm"
	"github.com/Anansitrading/HYPERCOG/internal/llm/llmtest"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/optimizer"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
)

type stubAgent struct {
	name        string
	unavailable bool
	fail        bool
	panics      bool
	delay       time.Duration

	mu      sync.Mutex
	queries []string

	active *atomic.Int32
	peak   *atomic.Int32
}

func (s *stubAgent) Name() string    { return s.name }
func (s *stubAgent) Available() bool { return !s.unavailable }

func (s *stubAgent) Search(ctx context.Context, queries []string) []agents.Result {
	if s.active != nil {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	s.mu.Lock()
	s.queries = append(s.queries, queries...)
	s.mu.Unlock()

	if s.panics {
		panic("backend exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	out := make([]agents.Result, len(queries))
	for i, q := range queries {
		if s.fail {
			out[i] = agents.Result{Query: q, Source: s.name, Error: "upstream 503"}
			continue
		}
		out[i] = agents.Result{Query: q, Success: true, Source: s.name, Result: s.name + " found " + q}
	}
	return out
}

func (s *stubAgent) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type harness struct {
	pipeline *Pipeline
	llm      *llmtest.Fake
	sink     *persistence.Memory
	sessions session.Store
	events   *streaming.Manager
}

func newHarness(t *testing.T, logger *zap.Logger, fake *llmtest.Fake, cfg Config, list ...agents.Agent) *harness {
	t.Helper()
	sink := &persistence.Memory{}
	store := session.NewMemoryStore(time.Hour, logger)
	events := streaming.NewManager(64, 0, logger)

	p, err := New(cfg, Deps{
		Extractor:    extractor.New(store, sink, nil, logger),
		Evaluator:    evaluator.New(fake, evaluator.Config{}, evaluator.Options{Logger: logger}),
		Gaps:         gaps.New(fake, nil, nil, logger),
		Agents:       agents.NewRegistry(list...),
		Consolidator: consolidator.New(fake, sink, nil, logger),
		Decomposer:   decomposer.New(fake, nil, logger),
		Optimizer:    optimizer.New(fake, sink, nil, logger),
		Sessions:     store,
		Events:       events,
		Limiter:      ratecontrol.NewLimiter(ratecontrol.DefaultCapacity, logger),
		Logger:       logger,
	})
	require.NoError(t, err)
	return &harness{pipeline: p, llm: fake, sink: sink, sessions: store, events: events}
}

func reply(v interface{}) llmtest.Responder {
	b, _ := json.Marshal(v)
	return llmtest.Reply(string(b))
}

func eventTypes(evs []streaming.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestNewRequiresStages(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestEnrichRejectsInvalidRequest(t *testing.T) {
	fake := llmtest.New(nil)
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "   ",
		Context: RequestContext{AttachedFiles: []AttachedFile{{Path: ""}}},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "task")
	assert.Contains(t, verr.Fields, "context.session_context")
	assert.Contains(t, verr.Fields, "context.attached_files[0].path")
	assert.Empty(t, fake.Calls(), "no stage runs on invalid input")

	_, err = h.pipeline.Enrich(context.Background(), Request{
		Task:    strings.Repeat("x", MaxTaskLength+1),
		Context: RequestContext{SessionContext: "ctx"},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"task": "must be at most 10000 characters"}, verr.Fields)
	assert.Contains(t, verr.Error(), "task: must be at most")
}

func TestEnrichSufficientManageable(t *testing.T) {
	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{"sufficient": true, "confidence": 0.92, "reasoning": []string{"complete"}})).
		On("optimizer", reply(map[string]interface{}{"optimized_context": map[string]string{"zone_1_task": "Add caching", "zone_2_core": "use LRU"}}))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{MaxTokens: 1000})

	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "Add caching",
		Context: RequestContext{SessionID: "s-manageable", SessionContext: strings.Repeat("the service is slow under load ", 10)},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusReadyForExecution, res.Status)
	assert.Equal(t, models.PathSufficientManageable, res.Path)
	assert.Equal(t, "s-manageable", res.SessionID)
	require.NotNil(t, res.OptimizedContext)
	assert.Equal(t, "use LRU", res.OptimizedContext.Zones.Core)
	assert.True(t, res.Evaluation.Sufficient)
	assert.Nil(t, res.Enrichment)
	assert.Zero(t, fake.CallsFor("gaps"))

	s, err := h.sessions.Get(context.Background(), "s-manageable")
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, s.Status)
	assert.Equal(t, models.PathSufficientManageable, s.Path)

	types := eventTypes(h.events.ReplaySince("s-manageable", 0))
	assert.Equal(t, streaming.PipelineCompleted, types[len(types)-1])
	assert.Contains(t, types, streaming.StageStarted)
}

func TestEnrichExplainRetryPolicy(t *testing.T) {
	web := &stubAgent{name: agents.WebResearch}
	vector := &stubAgent{name: agents.VectorSearch}
	kg := &stubAgent{name: agents.KnowledgeGraph, unavailable: true}
	files := &stubAgent{name: agents.FileSearch}

	enriched := strings.Repeat("Retries use exponential backoff with jitter, capped at five attempts. ", 20)
	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{
			"sufficient":    false,
			"confidence":    0.4,
			"reasoning":     []string{"policy details are missing"},
			"missing_areas": []string{"retry limits", "backoff strategy"},
		})).
		On("gaps", reply(map[string]interface{}{
			"gaps_identified":       []string{"must define the maximum retry count", "how should backoff grow", "history of the library"},
			"refined_understanding": "the caller wants the retry policy explained",
		})).
		On("consolidator", reply(map[string]interface{}{
			"enriched_context": enriched,
			"sources_used":     map[string][]string{"web_research": {"https://docs.example/retry"}},
			"improvements":     []string{"added retry limits"},
			"estimated_tokens": 400,
			"quality_score":    0.85,
		})).
		On("optimizer", reply(map[string]interface{}{
			"optimized_context": map[string]string{
				"zone_1_task":    "Explain the retry policy",
				"zone_2_core":    "Exponential backoff with jitter, five attempts",
				"zone_4_gotchas": "Do not retry non-idempotent calls",
			},
		}))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{MaxTokens: 100000}, web, files, kg, vector)

	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "explain retry policy",
		Context: RequestContext{SessionID: "s-retry", SessionContext: "We call a flaky payment API and retry failures."},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PathEnrichedManageable, res.Path)
	assert.Equal(t, models.StatusReadyForExecution, res.Status)
	assert.False(t, res.Evaluation.Sufficient)
	require.NotNil(t, res.OptimizedContext)
	assert.Equal(t, "Explain the retry policy", res.OptimizedContext.Zones.Task)
	assert.LessOrEqual(t, res.OptimizedContext.TokenCount.Optimized, res.OptimizedContext.TokenCount.Original)

	require.NotNil(t, res.Enrichment)
	assert.Equal(t, []string{"must define the maximum retry count"}, res.Enrichment.Gaps.Critical)
	assert.Equal(t, 0.85, res.Enrichment.QualityScore)
	assert.Equal(t, map[string]int{agents.WebResearch: 2, agents.VectorSearch: 2}, res.Enrichment.Queries)

	assert.Equal(t, []string{
		"explain retry policy: must define the maximum retry count",
		"explain retry policy: how should backoff grow",
	}, web.seen())
	assert.Len(t, vector.seen(), 2)
	assert.Empty(t, kg.seen(), "unavailable agents are not dispatched")
	assert.Empty(t, files.seen(), "agents without queries are not dispatched")
	assert.Equal(t, 3, fake.CallsFor("gaps"))

	assert.Len(t, h.sink.Records(persistence.KindRough), 2)
	assert.Len(t, h.sink.Records(persistence.KindOptimized), 1)
	assert.Len(t, h.sink.Records(persistence.KindPromptStore), 1)

	types := eventTypes(h.events.ReplaySince("s-retry", 0))
	assert.Contains(t, types, streaming.AgentCompleted)
	assert.Equal(t, streaming.PipelineCompleted, types[len(types)-1])
}

func TestEnrichSufficientTooLargeRunsSubtasks(t *testing.T) {
	// 600000 characters estimate to 150000 tokens
	huge := strings.Repeat("abcdefghij", 60000)
	var optimizeCalls atomic.Int32

	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{"sufficient": true, "confidence": 0.9})).
		On("decomposer", reply(map[string]interface{}{
			"subtasks": []map[string]interface{}{
				{"id": 1, "name": "Schema", "description": "design the schema", "context": "schema part", "dependencies": []int{}},
				{"id": 2, "name": "Migration", "description": "write the migration", "context": "migration part", "dependencies": []int{1}},
				{"id": 3, "name": "Docs", "description": "document it", "context": "docs part", "dependencies": []int{1}},
			},
			"execution_strategy": "mixed",
			"integration_plan":   "merge in order",
		})).
		On("optimizer", func(_ context.Context, req llm.Request) (string, error) {
			optimizeCalls.Add(1)
			if strings.Contains(req.UserPrompt, "write the migration") {
				return "", errors.New("model overloaded")
			}
			return `{"zone_1_task":"do it"}`, nil
		})
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{MaxTokens: 100000})

	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "migrate the orders database",
		Context: RequestContext{SessionID: "big", SessionContext: huge},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PathSufficientTooLargeScrum, res.Path)
	assert.Equal(t, models.StatusSubtasksCompleted, res.Status)
	assert.Equal(t, "mixed", res.ExecutionStrategy)
	assert.Nil(t, res.OptimizedContext)
	require.Len(t, res.SubtaskResults, 3)
	assert.Equal(t, int32(3), optimizeCalls.Load(), "a failed subtask does not stop its siblings")

	byID := map[string]SubtaskResult{}
	for _, r := range res.SubtaskResults {
		byID[r.SubtaskID] = r
	}
	assert.Equal(t, SubtaskOK, byID["1"].Status)
	assert.Equal(t, "big_subtask_1", byID["1"].SessionID)
	assert.Equal(t, SubtaskFailed, byID["2"].Status)
	assert.Contains(t, byID["2"].Error, "model overloaded")
	assert.Nil(t, byID["2"].Optimized)
	assert.Equal(t, SubtaskOK, byID["3"].Status)
	assert.Equal(t, "1", res.SubtaskResults[0].SubtaskID, "roots run first")

	saved := h.sink.Records(persistence.KindOptimized)
	require.Len(t, saved, 2)
	assert.Equal(t, "big_subtask_1", saved[0].SessionID)
}

func TestEnrichEnrichedTooLargeRunsSubtasks(t *testing.T) {
	web := &stubAgent{name: agents.WebResearch}
	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{
			"sufficient":    false,
			"confidence":    0.5,
			"missing_areas": []string{"schema history"},
		})).
		On("gaps", reply(map[string]interface{}{
			"gaps_identified": []string{"must list every table touched by the migration"},
		})).
		On("consolidator", reply(map[string]interface{}{
			"enriched_context": "orders, order_items and invoices are migrated together",
			"estimated_tokens": 5000,
			"quality_score":    0.7,
		})).
		On("decomposer", reply(map[string]interface{}{
			"subtasks": []map[string]interface{}{
				{"id": 1, "name": "Orders", "description": "migrate orders", "context": "orders part"},
				{"id": 2, "name": "Invoices", "description": "migrate invoices", "context": "invoices part", "dependencies": []int{1}},
			},
			"execution_strategy": "sequential",
			"integration_plan":   "orders first",
		})).
		On("optimizer", llmtest.Reply(`{"zone_1_task":"migrate"}`))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{MaxTokens: 1000}, web)

	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "migrate the orders schema",
		Context: RequestContext{SessionID: "enriched-big", SessionContext: "We are moving to a new schema."},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PathEnrichedTooLargeScrum, res.Path)
	assert.Equal(t, models.StatusSubtasksCompleted, res.Status)
	assert.Equal(t, "sequential", res.ExecutionStrategy)
	assert.Nil(t, res.OptimizedContext)
	require.NotNil(t, res.Enrichment)
	assert.Equal(t, 5000, res.Enrichment.EstimatedTokens)
	assert.False(t, res.Evaluation.Sufficient)
	assert.NotEmpty(t, web.seen())

	require.Len(t, res.SubtaskResults, 2)
	assert.Equal(t, "enriched-big_subtask_1", res.SubtaskResults[0].SessionID)
	assert.Equal(t, "enriched-big_subtask_2", res.SubtaskResults[1].SessionID)
	for _, r := range res.SubtaskResults {
		assert.Equal(t, SubtaskOK, r.Status)
	}

	s, err := h.sessions.Get(context.Background(), "enriched-big")
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, s.Status)
	assert.Equal(t, models.PathEnrichedTooLargeScrum, s.Path)
}

func TestEnrichRecoversStagePanic(t *testing.T) {
	exploding := func(context.Context, llm.Request) (string, error) {
		panic("evaluator exploded")
	}
	h := newHarness(t, zaptest.NewLogger(t), llmtest.New(nil).On("evaluator", exploding), Config{})

	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "anything",
		Context: RequestContext{SessionID: "panicky", SessionContext: "ctx"},
	})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluator exploded")

	s, err := h.sessions.Get(context.Background(), "panicky")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "evaluator exploded")

	types := eventTypes(h.events.ReplaySince("panicky", 0))
	assert.Equal(t, streaming.PipelineFailed, types[len(types)-1])
}

func TestEnrichPublishesExtractStageForKnownSession(t *testing.T) {
	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{"sufficient": true, "confidence": 0.95})).
		On("optimizer", llmtest.Reply(`{"zone_1_task":"do it"}`))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "anything",
		Context: RequestContext{SessionID: "early", SessionContext: "ctx"},
	})
	require.NoError(t, err)

	evs := h.events.ReplaySince("early", 0)
	require.NotEmpty(t, evs)
	assert.Equal(t, streaming.StageStarted, evs[0].Type)
	assert.Equal(t, StageExtract, evs[0].Stage)
	assert.Equal(t, uint64(1), evs[0].Seq)
}

func TestEnrichRejectsOversizedTimeout(t *testing.T) {
	fake := llmtest.New(nil)
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task:           "anything",
		Context:        RequestContext{SessionContext: "ctx"},
		TimeoutSeconds: 1e12,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"timeout_seconds": "must be at most 86400"}, verr.Fields)
	assert.Empty(t, fake.Calls())
}

func TestEnrichTimesOut(t *testing.T) {
	// a stage that ignores cancellation must not hold the caller past the deadline
	stuck := func(context.Context, llm.Request) (string, error) {
		time.Sleep(time.Second)
		return `{"sufficient":true,"confidence":0.9}`, nil
	}
	h := newHarness(t, zap.NewNop(), llmtest.New(nil).On("evaluator", stuck), Config{})

	start := time.Now()
	res, err := h.pipeline.Enrich(context.Background(), Request{
		Task:           "anything",
		Context:        RequestContext{SessionID: "slow", SessionContext: "ctx"},
		TimeoutSeconds: 0.1,
	})
	elapsed := time.Since(start)

	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestEnrichUsesConfiguredTimeout(t *testing.T) {
	blocking := func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	h := newHarness(t, zap.NewNop(), llmtest.New(nil).On("evaluator", blocking), Config{Timeout: 50 * time.Millisecond})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "anything",
		Context: RequestContext{SessionID: "cfg-timeout", SessionContext: "ctx"},
	})
	require.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool {
		s, err := h.sessions.Get(context.Background(), "cfg-timeout")
		return err == nil && s.Status == session.StatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestEnrichPropagatesStageFailure(t *testing.T) {
	fake := llmtest.New(nil).On("evaluator", llmtest.Fail(errors.New("connection refused")))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task:    "anything",
		Context: RequestContext{SessionID: "broken", SessionContext: "ctx"},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "connection refused")

	s, err := h.sessions.Get(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "connection refused")

	types := eventTypes(h.events.ReplaySince("broken", 0))
	assert.Equal(t, streaming.PipelineFailed, types[len(types)-1])
}

func TestDispatchIsolatesAgentFailures(t *testing.T) {
	good := &stubAgent{name: agents.WebResearch}
	failing := &stubAgent{name: agents.VectorSearch, fail: true}
	panicking := &stubAgent{name: agents.KnowledgeGraph, panics: true}
	h := newHarness(t, zaptest.NewLogger(t), llmtest.New(nil), Config{}, good, failing, panicking)

	out, err := h.pipeline.dispatch(context.Background(), "s1", map[string][]string{
		agents.WebResearch:    {"q1", "q2"},
		agents.VectorSearch:   {"q1", "q2", "q3"},
		agents.KnowledgeGraph: {"q1"},
	})
	require.NoError(t, err)

	require.Len(t, out[agents.WebResearch], 2)
	assert.True(t, out[agents.WebResearch][0].Success)
	assert.Equal(t, "q2", out[agents.WebResearch][1].Query)

	require.Len(t, out[agents.VectorSearch], 3)
	for _, r := range out[agents.VectorSearch] {
		assert.False(t, r.Success)
	}
	assert.Empty(t, out[agents.KnowledgeGraph])
	assert.Contains(t, out, agents.KnowledgeGraph)
}

func TestDispatchHoldsOneSlotPerBatch(t *testing.T) {
	var active, peak atomic.Int32
	list := []agents.Agent{
		&stubAgent{name: agents.WebResearch, delay: 30 * time.Millisecond, active: &active, peak: &peak},
		&stubAgent{name: agents.VectorSearch, delay: 30 * time.Millisecond, active: &active, peak: &peak},
		&stubAgent{name: agents.FileSearch, delay: 30 * time.Millisecond, active: &active, peak: &peak},
	}
	h := newHarness(t, zaptest.NewLogger(t), llmtest.New(nil), Config{}, list...)
	h.pipeline.deps.Limiter = ratecontrol.NewLimiter(1, nil)

	out, err := h.pipeline.dispatch(context.Background(), "s1", map[string][]string{
		agents.WebResearch:  {"a"},
		agents.VectorSearch: {"b"},
		agents.FileSearch:   {"c"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, h.pipeline.deps.Limiter.InFlight())
}

func TestSubtaskSessionID(t *testing.T) {
	assert.Equal(t, "20250101_000000_abcd1234_subtask_3", SubtaskSessionID("20250101_000000_abcd1234", "3"))
}

func TestEnrichAttachedFileReachesEvaluator(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("RETRY_BACKOFF_IS_EXPONENTIAL"), 0o644))

	fake := llmtest.New(nil).
		On("evaluator", reply(map[string]interface{}{"sufficient": true, "confidence": 0.9})).
		On("optimizer", llmtest.Reply(`{"zone_1_task":"explain"}`))
	h := newHarness(t, zaptest.NewLogger(t), fake, Config{})

	_, err := h.pipeline.Enrich(context.Background(), Request{
		Task: "explain retry policy",
		Context: RequestContext{
			SessionID:      "with-file",
			SessionContext: "see the attached notes",
			AttachedFiles:  []AttachedFile{{Path: notes}},
			WorkspacePath:  dir,
		},
	})
	require.NoError(t, err)

	var prompt string
	for _, c := range fake.Calls() {
		if c.Caller == "evaluator.static" {
			prompt = c.UserPrompt
		}
	}
	assert.Contains(t, prompt, "RETRY_BACKOFF_IS_EXPONENTIAL")
	assert.Contains(t, prompt, "notes.md")
}
