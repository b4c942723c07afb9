// Package models holds the values that flow between pipeline stages.
package models

import "time"

// Pipeline result statuses
const (
	StatusReadyForExecution = "ready_for_execution"
	StatusSubtasksCompleted = "subtasks_completed"
)

// Pipeline paths
const (
	PathSufficientManageable    = "sufficient_manageable"
	PathSufficientTooLargeScrum = "sufficient_too_large_scrum"
	PathEnrichedManageable      = "enriched_manageable"
	PathEnrichedTooLargeScrum   = "enriched_too_large_scrum"
)

// Intent types
const (
	IntentImplementation = "implementation"
	IntentDebugging      = "debugging"
	IntentRefactoring    = "refactoring"
	IntentExplanation    = "explanation"
	IntentGeneral        = "general"
)

// Complexity levels
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
	ComplexityExpert = "expert"
)

// AttachedFile describes a file handed in with a request. Content is only
// set for readable text files.
type AttachedFile struct {
	Path      string `json:"path"`
	Name      string `json:"name,omitempty"`
	Extension string `json:"extension,omitempty"`
	Size      int64  `json:"size"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Workspace is a shallow listing of the caller's workspace
type Workspace struct {
	Path    string   `json:"path"`
	Entries []string `json:"entries,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Intent is what the extractor inferred about the request
type Intent struct {
	Type       string `json:"type"`
	Complexity string `json:"complexity"`
	Explicit   string `json:"explicit,omitempty"`
}

// Metadata travels with a Context through every stage
type Metadata struct {
	SessionID     string         `json:"session_id"`
	AttachedFiles []AttachedFile `json:"attached_files,omitempty"`
	Workspace     *Workspace     `json:"workspace,omitempty"`
	Intent        Intent         `json:"intent"`
	ExtractedAt   time.Time      `json:"extracted_at"`
}

// Context is the body of text a downstream task will run against. Values
// are never mutated in place; stages derive new ones with WithText.
type Context struct {
	Task     string   `json:"task"`
	Text     string   `json:"session_context"`
	Metadata Metadata `json:"metadata"`
}

// WithText returns a copy of c carrying text
func (c Context) WithText(text string) Context {
	c.Text = text
	return c
}

// WithSession returns a copy of c for another session and task
func (c Context) WithSession(sessionID, task, text string) Context {
	c.Metadata.SessionID = sessionID
	c.Task = task
	c.Text = text
	return c
}

// SessionID is shorthand for c.Metadata.SessionID
func (c Context) SessionID() string { return c.Metadata.SessionID }
