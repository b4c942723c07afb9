package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Anansitrading/HYPERCOG/internal/agents"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
	"github.com/Anansitrading/HYPERCOG/internal/models"
)

// Validation criteria
const (
	CriterionCompleteness = "completeness"
	CriterionAccuracy     = "accuracy"
	CriterionRelevance    = "relevance"
	CriterionDepth        = "depth"
	CriterionEdgeCases    = "edge_cases"
)

const maxClaims = 3

// check is one criterion's research work
type check struct {
	criterion string
	queries   []string
	// keys holds a cache key per query; empty entries are not cached
	keys []string
	// cached findings found before dispatch
	cached []string
}

type validationReport struct {
	findings map[string][]string
	sources  []string
	planned  int
}

func (r validationReport) empty() bool {
	for _, f := range r.findings {
		if len(f) > 0 {
			return false
		}
	}
	return true
}

// coverage is the share of planned criteria that produced findings
func (r validationReport) coverage() float64 {
	if r.planned == 0 {
		return 0
	}
	n := 0
	for _, f := range r.findings {
		if len(f) > 0 {
			n++
		}
	}
	return float64(n) / float64(r.planned)
}

// plan selects the criteria that apply to c and builds their queries
func (e *Evaluator) plan(ctx context.Context, c models.Context, static Verdict) []check {
	t := e.keywords.Get()
	task := strings.TrimSpace(c.Task)
	var checks []check

	if len(static.MissingAreas) > 0 {
		checks = append(checks, check{
			criterion: CriterionCompleteness,
			queries: []string{fmt.Sprintf("What information is essential for %s, specifically: %s",
				task, strings.Join(static.MissingAreas, ", "))},
		})
	}

	if claims := t.DetectClaims(c.Text, maxClaims); len(claims) > 0 {
		acc := check{criterion: CriterionAccuracy}
		for _, claim := range claims {
			key := ClaimKey(claim)
			if finding, ok := e.cache.Get(ctx, key); ok {
				acc.cached = append(acc.cached, finding)
				continue
			}
			acc.queries = append(acc.queries, "Verify the accuracy of this technical claim: "+claim)
			acc.keys = append(acc.keys, key)
		}
		checks = append(checks, acc)
	}

	if domain, ok := t.InferDomain(task + " " + c.Metadata.Intent.Explicit); ok {
		checks = append(checks, check{
			criterion: CriterionRelevance,
			queries:   []string{fmt.Sprintf("Current best practices in %s relevant to: %s", strings.ReplaceAll(domain, "_", " "), task)},
		})
	}

	switch static.Complexity {
	case models.ComplexityHigh, models.ComplexityExpert:
		checks = append(checks, check{
			criterion: CriterionDepth,
			queries:   []string{"Advanced implementation details and expert considerations for: " + task},
		})
	}

	checks = append(checks, check{
		criterion: CriterionEdgeCases,
		queries:   []string{"Common pitfalls, edge cases and failure modes when: " + task},
	})
	return checks
}

// validate runs every planned criterion concurrently against the research
// agent. Each criterion holds one admission slot while it runs. A failing
// criterion contributes no findings.
func (e *Evaluator) validate(ctx context.Context, c models.Context, static Verdict) validationReport {
	checks := e.plan(ctx, c, static)
	findings := make([][]string, len(checks))
	sources := make([][]string, len(checks))

	var g errgroup.Group
	for i, ch := range checks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Validation check panicked", zap.String("criterion", ch.criterion), zap.Any("panic", r))
					findings[i] = nil
				}
			}()
			f, s, err := e.runCheck(ctx, ch)
			if err != nil {
				metrics.ValidationChecks.WithLabelValues(ch.criterion, "error").Inc()
				e.logger.Warn("Validation check failed",
					zap.String("session_id", c.SessionID()),
					zap.String("criterion", ch.criterion),
					zap.Error(err),
				)
				return nil
			}
			result := "empty"
			if len(f) > 0 {
				result = "findings"
			}
			metrics.ValidationChecks.WithLabelValues(ch.criterion, result).Inc()
			findings[i], sources[i] = f, s
			return nil
		})
	}
	_ = g.Wait()

	report := validationReport{findings: make(map[string][]string, len(checks)), planned: len(checks)}
	seen := make(map[string]bool)
	for i, ch := range checks {
		report.findings[ch.criterion] = findings[i]
		for _, s := range sources[i] {
			if !seen[s] {
				seen[s] = true
				report.sources = append(report.sources, s)
			}
		}
	}
	sort.Strings(report.sources)
	return report
}

func (e *Evaluator) runCheck(ctx context.Context, ch check) ([]string, []string, error) {
	findings := append([]string(nil), ch.cached...)
	if len(ch.queries) == 0 {
		return findings, nil, nil
	}

	var results []agents.Result
	err := e.limiter.Do(ctx, func(ctx context.Context) error {
		results = e.research.Search(ctx, ch.queries)
		return nil
	})
	if err != nil {
		return findings, nil, err
	}

	var sources []string
	failed := 0
	for i, r := range results {
		if !r.Success {
			failed++
			continue
		}
		findings = append(findings, r.Result)
		sources = append(sources, r.Source)
		sources = append(sources, r.Sources...)
		if i < len(ch.keys) && ch.keys[i] != "" {
			e.cache.Set(ctx, ch.keys[i], r.Result)
		}
	}
	if len(results) > 0 && failed == len(results) && len(findings) == 0 {
		return nil, nil, fmt.Errorf("all %d research queries failed: %s", failed, results[0].Error)
	}
	return findings, sources, nil
}
