// Package extractor turns an inbound enrichment request into the Context
// every later stage works on.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/keywords"
	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/session"
)

const (
	// MaxFileBytes caps how much of an attached file is read
	MaxFileBytes = 256 << 10
	// WorkspaceDepth is how many directory levels are listed
	WorkspaceDepth = 2

	maxWorkspaceEntries = 500
)

var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".py": true, ".js": true,
	".go": true, ".json": true, ".yaml": true,
}

// Request is what the extractor needs from an enrichment call
type Request struct {
	SessionID      string
	Task           string
	SessionContext string
	AttachedFiles  []string
	WorkspacePath  string
	UserIntent     string
}

// Extractor builds Contexts and records them
type Extractor struct {
	sessions session.Store
	sink     persistence.Sink
	keywords *keywords.Store
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an Extractor. sink may be nil.
func New(sessions session.Store, sink persistence.Sink, kw *keywords.Store, logger *zap.Logger) *Extractor {
	if sink == nil {
		sink = persistence.Nop{}
	}
	if kw == nil {
		kw = keywords.NewStore(nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		sessions: sessions,
		sink:     sink,
		keywords: kw,
		logger:   logger.With(zap.String("stage", "extractor")),
		now:      time.Now,
	}
}

// NewSessionID mints an id of the form YYYYMMDD_HHMMSS_<8 hex>
func NewSessionID(now time.Time) string {
	return now.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Extract returns the Context for req. A request naming a session that
// already holds a context gets that context back unchanged.
func (e *Extractor) Extract(ctx context.Context, req Request) (models.Context, error) {
	id := req.SessionID
	if id != "" {
		if s, err := e.sessions.Get(ctx, id); err == nil && s.Context != nil {
			e.logger.Info("Reusing extracted context", zap.String("session_id", id))
			return *s.Context, nil
		} else if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			return models.Context{}, fmt.Errorf("load session %s: %w", id, err)
		}
	} else {
		id = NewSessionID(e.now())
	}

	c := models.Context{
		Task: req.Task,
		Text: req.SessionContext,
		Metadata: models.Metadata{
			SessionID:     id,
			AttachedFiles: e.readFiles(req.AttachedFiles),
			Workspace:     e.scanWorkspace(req.WorkspacePath),
			Intent:        e.intent(req.SessionContext, req.UserIntent),
			ExtractedAt:   e.now().UTC(),
		},
	}

	stored, created, err := e.sessions.Create(ctx, &session.Session{
		ID:      id,
		Task:    req.Task,
		Status:  session.StatusExtracting,
		Context: &c,
	})
	if err != nil {
		return models.Context{}, fmt.Errorf("create session %s: %w", id, err)
	}
	if !created {
		// the id was registered by another call
		if stored.Context != nil {
			return *stored.Context, nil
		}
		if _, err := e.sessions.Update(ctx, id, func(s *session.Session) { s.Context = &c }); err != nil {
			return models.Context{}, fmt.Errorf("update session %s: %w", id, err)
		}
	}

	if err := e.sink.Write(ctx, persistence.Record{
		SessionID: id,
		Kind:      persistence.KindPromptStore,
		Name:      "context",
		Timestamp: c.Metadata.ExtractedAt,
		Payload:   c,
	}); err != nil {
		e.logger.Warn("Failed to persist extracted context", zap.String("session_id", id), zap.Error(err))
	}

	e.logger.Info("Context extracted",
		zap.String("session_id", id),
		zap.Int("attached_files", len(c.Metadata.AttachedFiles)),
		zap.String("intent", c.Metadata.Intent.Type),
		zap.String("complexity", c.Metadata.Intent.Complexity),
	)
	return c, nil
}

func (e *Extractor) intent(text, explicit string) models.Intent {
	return models.Intent{
		Type:       e.keywords.Get().InferIntent(text),
		Complexity: Complexity(text),
		Explicit:   explicit,
	}
}

// Complexity grades text by word count
func Complexity(text string) string {
	switch n := len(strings.Fields(text)); {
	case n < 50:
		return models.ComplexityLow
	case n < 200:
		return models.ComplexityMedium
	default:
		return models.ComplexityHigh
	}
}

func (e *Extractor) readFiles(paths []string) []models.AttachedFile {
	out := make([]models.AttachedFile, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, readFile(p))
	}
	return out
}

func readFile(path string) models.AttachedFile {
	f := models.AttachedFile{
		Path:      path,
		Name:      filepath.Base(path),
		Extension: strings.ToLower(filepath.Ext(path)),
	}
	info, err := os.Stat(path)
	if err != nil {
		f.Error = err.Error()
		return f
	}
	if info.IsDir() {
		f.Error = "is a directory"
		return f
	}
	f.Size = info.Size()
	if !textExtensions[f.Extension] {
		return f
	}

	fh, err := os.Open(path)
	if err != nil {
		f.Error = err.Error()
		return f
	}
	defer fh.Close()
	b, err := io.ReadAll(io.LimitReader(fh, MaxFileBytes))
	if err != nil {
		f.Error = err.Error()
		return f
	}
	f.Content = string(b)
	f.Truncated = f.Size > MaxFileBytes
	return f
}

// scanWorkspace lists root up to WorkspaceDepth levels, skipping dot
// directories. Directories end with a slash.
func (e *Extractor) scanWorkspace(root string) *models.Workspace {
	if strings.TrimSpace(root) == "" {
		return nil
	}
	ws := &models.Workspace{Path: root}
	info, err := os.Stat(root)
	if err != nil {
		ws.Error = err.Error()
		return ws
	}
	if !info.IsDir() {
		ws.Error = "not a directory"
		return ws
	}

	var walk func(dir, rel string, depth int)
	walk = func(dir, rel string, depth int) {
		if depth > WorkspaceDepth || len(ws.Entries) >= maxWorkspaceEntries {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			e.logger.Debug("Skipping unreadable directory", zap.String("dir", dir), zap.Error(err))
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if len(ws.Entries) >= maxWorkspaceEntries {
				return
			}
			name := ent.Name()
			p := filepath.ToSlash(filepath.Join(rel, name))
			if ent.IsDir() {
				if strings.HasPrefix(name, ".") {
					continue
				}
				ws.Entries = append(ws.Entries, p+"/")
				walk(filepath.Join(dir, name), p, depth+1)
				continue
			}
			ws.Entries = append(ws.Entries, p)
		}
	}
	walk(root, "", 1)
	return ws
}
