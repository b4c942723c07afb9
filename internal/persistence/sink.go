// Package persistence writes audit artifacts of enrichment runs.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/db"
	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// Artifact kinds
const (
	KindRough       = db.KindRough
	KindOptimized   = db.KindOptimized
	KindPromptStore = db.KindPromptStore
)

// Record is one artifact. Kind selects the folder or category; Payload is
// encoded as JSON.
type Record struct {
	SessionID string
	Kind      string
	Name      string
	Timestamp time.Time
	Payload   interface{}
}

// Sink stores records
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Nop discards every record
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// FileSink writes each record to <root>/<kind>/<session>_<timestamp>_<name>.json
type FileSink struct {
	root string
}

// NewFileSink creates root if needed
func NewFileSink(root string) (*FileSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileSink{root: root}, nil
}

// Path returns where rec would be written
func (s *FileSink) Path(rec Record) string {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s.json", safeName(rec.SessionID), ts.UTC().Format("20060102T150405.000000000"), safeName(rec.Name))
	return filepath.Join(s.root, safeName(rec.Kind), name)
}

// Write implements Sink
func (s *FileSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.write(rec)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ArtifactWrites.WithLabelValues("file", rec.Kind, status).Inc()
	return err
}

func (s *FileSink) write(rec Record) error {
	data, err := json.MarshalIndent(rec.Payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", rec.Kind, err)
	}
	path := s.Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", rec.Kind, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s artifact: %w", rec.Kind, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s artifact: %w", rec.Kind, err)
	}
	return nil
}

// artifactQueue is the subset of db.Client the DBSink uses
type artifactQueue interface {
	QueueArtifact(a *db.Artifact, callback func(error))
}

// DBSink hands records to the database client's write queue. Writes are
// asynchronous; failures surface in the client's logs.
type DBSink struct {
	client artifactQueue
	logger *zap.Logger
}

// NewDBSink wraps client
func NewDBSink(client artifactQueue, logger *zap.Logger) *DBSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBSink{client: client, logger: logger}
}

// Write implements Sink
func (s *DBSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", rec.Kind, err)
	}
	kind := rec.Kind
	s.client.QueueArtifact(&db.Artifact{
		SessionID: rec.SessionID,
		Kind:      rec.Kind,
		Name:      rec.Name,
		Payload:   string(data),
		CreatedAt: rec.Timestamp,
	}, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.ArtifactWrites.WithLabelValues("db", kind, status).Inc()
	})
	return nil
}

// Multi writes to every sink and joins their errors
type Multi []Sink

// Write implements Sink
func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
