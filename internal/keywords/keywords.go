// Package keywords holds the lookup tables used to classify gaps, route
// queries, detect technical claims and infer domains and intents.
package keywords

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Anansitrading/HYPERCOG/internal/config"
)

// FileName is the table file looked up in the config directory
const FileName = "keywords.yaml"

// Category is a named keyword set. Order within a table is significant.
type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Tables is the full set of lookup tables
type Tables struct {
	Critical      []string   `yaml:"critical"`
	Important     []string   `yaml:"important"`
	Interrogative []string   `yaml:"interrogative"`
	Documentation []string   `yaml:"documentation"`
	Claims        []string   `yaml:"claims"`
	Domains       []Category `yaml:"domains"`
	Intents       []Category `yaml:"intents"`
}

// Default returns the built-in tables
func Default() *Tables {
	return &Tables{
		Critical:      []string{"must", "required", "critical", "essential"},
		Important:     []string{"should", "important", "necessary"},
		Interrogative: []string{"how", "what"},
		Documentation: []string{"documentation", "api"},
		Claims: []string{
			"version", "supports", "requires", "deprecated", "default",
			"compatible", "latest", "released", "faster", "maximum", "minimum", "limit",
		},
		Domains: []Category{
			{Name: "authentication", Keywords: []string{"auth", "login", "oauth", "jwt", "session token", "password"}},
			{Name: "database", Keywords: []string{"database", "sql", "postgres", "mysql", "schema", "migration", "index"}},
			{Name: "networking", Keywords: []string{"retry", "timeout", "http", "grpc", "network", "latency", "backoff"}},
			{Name: "infrastructure", Keywords: []string{"docker", "kubernetes", "deploy", "terraform", "helm", "ci/cd"}},
			{Name: "frontend", Keywords: []string{"react", "css", "component", "browser", "frontend", "vue"}},
			{Name: "machine_learning", Keywords: []string{"model", "training", "embedding", "llm", "inference", "dataset"}},
			{Name: "security", Keywords: []string{"security", "vulnerability", "encryption", "tls", "xss", "csrf"}},
		},
		Intents: []Category{
			{Name: "implementation", Keywords: []string{"implement", "create", "build", "develop"}},
			{Name: "debugging", Keywords: []string{"fix", "debug", "error", "issue"}},
			{Name: "refactoring", Keywords: []string{"refactor", "improve", "optimize"}},
			{Name: "explanation", Keywords: []string{"explain", "understand", "how does"}},
		},
	}
}

// Parse decodes YAML tables. Sections left out keep their default values.
func Parse(data []byte) (*Tables, error) {
	t := Default()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse keyword tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate rejects tables that would silently disable a classification
func (t *Tables) Validate() error {
	if len(t.Critical) == 0 || len(t.Important) == 0 {
		return fmt.Errorf("keyword tables: critical and important keywords are required")
	}
	for _, c := range append(append([]Category{}, t.Domains...), t.Intents...) {
		if c.Name == "" || len(c.Keywords) == 0 {
			return fmt.Errorf("keyword tables: category %q has no name or keywords", c.Name)
		}
	}
	return nil
}

// ContainsAny reports whether text contains any word, case-insensitively
func ContainsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// Priority classifies a gap. Critical keywords win over important ones.
func (t *Tables) Priority(gap string) string {
	switch {
	case ContainsAny(gap, t.Critical):
		return "critical"
	case ContainsAny(gap, t.Important):
		return "important"
	default:
		return "supplementary"
	}
}

// IsInterrogative reports whether a gap should go to knowledge graph search
func (t *Tables) IsInterrogative(gap string) bool { return ContainsAny(gap, t.Interrogative) }

// MentionsDocumentation reports whether a gap should go to file search
func (t *Tables) MentionsDocumentation(gap string) bool { return ContainsAny(gap, t.Documentation) }

// InferDomain returns the first domain whose keywords appear in text
func (t *Tables) InferDomain(text string) (string, bool) {
	return firstMatch(text, t.Domains)
}

// InferIntent returns the first intent whose keywords appear in text, or "general"
func (t *Tables) InferIntent(text string) string {
	if name, ok := firstMatch(text, t.Intents); ok {
		return name
	}
	return "general"
}

// DetectClaims returns up to max distinct sentences of text that contain a
// claim keyword, in order of appearance.
func (t *Tables) DetectClaims(text string, max int) []string {
	if max <= 0 {
		return nil
	}
	var claims []string
	seen := make(map[string]bool)
	for _, s := range sentences(text) {
		if !ContainsAny(s, t.Claims) || seen[s] {
			continue
		}
		seen[s] = true
		claims = append(claims, s)
		if len(claims) == max {
			break
		}
	}
	return claims
}

func firstMatch(text string, cats []Category) (string, bool) {
	for _, c := range cats {
		if ContainsAny(text, c.Keywords) {
			return c.Name, true
		}
	}
	return "", false
}

func sentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); len(p) >= 8 {
			out = append(out, p)
		}
	}
	return out
}

// Store holds the active tables and swaps them atomically on reload
type Store struct {
	current atomic.Pointer[Tables]
	logger  *zap.Logger
}

// NewStore starts with t, or the defaults when t is nil
func NewStore(t *Tables, logger *zap.Logger) *Store {
	if t == nil {
		t = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger}
	s.current.Store(t)
	return s
}

// Get returns the active tables. Callers must not modify them.
func (s *Store) Get() *Tables { return s.current.Load() }

// Set replaces the active tables
func (s *Store) Set(t *Tables) { s.current.Store(t) }

// Watch reloads the tables whenever FileName changes in the watcher's
// directory. A removed file restores the defaults; an invalid file keeps the
// previous tables.
func (s *Store) Watch(w *config.Watcher) {
	w.RegisterHandler(FileName, func(ev config.ChangeEvent) error {
		if ev.Action == "delete" {
			s.Set(Default())
			s.logger.Info("Keyword tables removed, using defaults")
			return nil
		}
		t, err := Parse(ev.Raw)
		if err != nil {
			return err
		}
		s.Set(t)
		s.logger.Info("Keyword tables reloaded",
			zap.String("action", ev.Action),
			zap.Int("domains", len(t.Domains)),
			zap.Int("intents", len(t.Intents)),
		)
		return nil
	})
}
