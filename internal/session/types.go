package session

import (
	"context"
	"errors"
	"time"

	"github.com/Anansitrading/HYPERCOG/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when session data is invalid
	ErrInvalidSession = errors.New("invalid session")
)

// Status is the stage an enrichment session is in
type Status string

const (
	StatusExtracting  Status = "extracting"
	StatusEvaluating  Status = "evaluating"
	StatusEnriching   Status = "enriching"
	StatusDecomposing Status = "decomposing"
	StatusOptimizing  Status = "optimizing"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are expected
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Session tracks one enrichment call
type Session struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Status    Status          `json:"status"`
	Path      string          `json:"path,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Context   *models.Context `json:"context,omitempty"`
}

// Store persists sessions. Implementations are safe for concurrent use.
type Store interface {
	// Create stores s. An existing session with the same id is returned
	// unchanged together with false.
	Create(ctx context.Context, s *Session) (*Session, bool, error)
	Get(ctx context.Context, id string) (*Session, error)
	// Update applies fn to the stored session and saves the result
	Update(ctx context.Context, id string, fn func(*Session)) (*Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func validate(s *Session) error {
	if s == nil || s.ID == "" {
		return ErrInvalidSession
	}
	return nil
}

func stamp(s *Session) {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
