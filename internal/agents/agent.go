// Package agents implements the four capability agents that research gaps
// in a context: web research, file search, knowledge graph search and
// vector search.
package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/ratecontrol"
)

// Agent names. They double as result source tags and query set keys.
const (
	WebResearch    = "web_research"
	FileSearch     = "file_search"
	KnowledgeGraph = "knowledge_graph"
	VectorSearch   = "vector_search"
)

// Names lists every agent in dispatch order
var Names = []string{WebResearch, FileSearch, KnowledgeGraph, VectorSearch}

// ErrAgentUnavailable marks results from an agent that could not be built
var ErrAgentUnavailable = errors.New("agent unavailable")

const defaultQueryConcurrency = 4

// Result is the outcome of one query. Exactly one of Result and Error is set.
type Result struct {
	Query   string   `json:"query"`
	Success bool     `json:"success"`
	Result  string   `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
	Source  string   `json:"source"`
	Sources []string `json:"sources,omitempty"`
}

// Agent answers a batch of queries. Search returns one Result per query in
// input order and never fails as a whole.
type Agent interface {
	Name() string
	Available() bool
	Search(ctx context.Context, queries []string) []Result
}

// answer is what one backend call returns
type answer struct {
	text    string
	sources []string
}

type queryFunc func(ctx context.Context, query string) (answer, error)

// base carries what every agent shares: identity, pacing and the batch runner
type base struct {
	name        string
	concurrency int
	pacer       *ratecontrol.Pacer
	logger      *zap.Logger
}

func newBase(name string, concurrency, rpm int, logger *zap.Logger) base {
	if concurrency <= 0 {
		concurrency = defaultQueryConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:        name,
		concurrency: concurrency,
		pacer:       ratecontrol.NewPacer(ratecontrol.RateLimit{RPM: rpm}),
		logger:      logger.With(zap.String("agent", name)),
	}
}

func (b *base) Name() string    { return b.name }
func (b *base) Available() bool { return true }

// run executes fn for every query with bounded parallelism. Each result is
// written to its query's index so completion order does not matter.
func (b *base) run(ctx context.Context, queries []string, fn queryFunc) []Result {
	start := time.Now()
	results := make([]Result, len(queries))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			results[i] = b.one(ctx, q, fn)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	metrics.RecordAgentBatch(b.name, ok, len(results)-ok, time.Since(start).Seconds())
	b.logger.Info("Agent batch completed",
		zap.Int("queries", len(queries)),
		zap.Int("succeeded", ok),
		zap.Duration("duration", time.Since(start)),
	)
	return results
}

func (b *base) one(ctx context.Context, query string, fn queryFunc) (res Result) {
	res = Result{Query: query, Source: b.name}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Agent query panicked", zap.String("query", query), zap.Any("panic", r))
			res = Result{Query: query, Source: b.name, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := b.pacer.Wait(ctx, 0); err != nil {
		res.Error = err.Error()
		return res
	}
	a, err := fn(ctx, query)
	if err != nil {
		b.logger.Warn("Agent query failed", zap.String("query", query), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Result = a.text
	res.Sources = a.sources
	return res
}

// Unavailable is an agent that could not be constructed. Every query fails
// with the construction reason.
type Unavailable struct {
	name   string
	reason string
}

// NewUnavailable returns an agent that always fails with reason
func NewUnavailable(name, reason string) *Unavailable {
	return &Unavailable{name: name, reason: reason}
}

func (u *Unavailable) Name() string    { return u.name }
func (u *Unavailable) Available() bool { return false }
func (u *Unavailable) Reason() string  { return u.reason }

func (u *Unavailable) Search(_ context.Context, queries []string) []Result {
	out := make([]Result, len(queries))
	msg := fmt.Sprintf("%s: %s", ErrAgentUnavailable, u.reason)
	for i, q := range queries {
		out[i] = Result{Query: q, Source: u.name, Error: msg}
	}
	metrics.RecordAgentBatch(u.name, 0, len(out), 0)
	return out
}

// Registry holds the agents of one process, keyed by name
type Registry struct {
	byName map[string]Agent
	order  []string
}

// NewRegistry indexes agents by Name; later duplicates replace earlier ones
func NewRegistry(list ...Agent) *Registry {
	r := &Registry{byName: make(map[string]Agent)}
	for _, a := range list {
		if _, dup := r.byName[a.Name()]; !dup {
			r.order = append(r.order, a.Name())
		}
		r.byName[a.Name()] = a
	}
	return r
}

// Get returns the agent registered under name
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// All returns agents in registration order
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Status reports availability per agent for health output
func (r *Registry) Status() map[string]bool {
	out := make(map[string]bool, len(r.byName))
	for n, a := range r.byName {
		out[n] = a.Available()
	}
	return out
}
