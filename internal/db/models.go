package db

import (
	"time"

	"github.com/google/uuid"
)

// Artifact kinds written by the pipeline stages
const (
	KindRough       = "rough"
	KindOptimized   = "optimized"
	KindPromptStore = "prompt_store"
)

// Artifact is one persisted audit record of an enrichment run
type Artifact struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Kind      string    `db:"kind" json:"kind"`
	Name      string    `db:"name" json:"name"`
	Payload   string    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

func (a *Artifact) fillDefaults() {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS enrichment_artifacts (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    name       TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrichment_artifacts_session ON enrichment_artifacts (session_id, created_at);
`
