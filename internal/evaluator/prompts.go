package evaluator

import (
	"fmt"
	"strings"

	"github.com/Anansitrading/HYPERCOG/internal/models"
)

const systemPrompt = `You are a context sufficiency evaluator. You decide whether a body of context is enough to produce a world-class outcome for a task.
Be conservative: answer sufficient=true only when you are highly confident nothing important is missing.
Always answer with a single JSON object.`

func (e *Evaluator) assessmentPrompt(c models.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate the following context for sufficiency:\n\nTASK:\n%s\n\n", orNone(c.Task, "No task specified"))
	fmt.Fprintf(&b, "CURRENT CONTEXT:\n%s\n\n", orNone(e.tokens.Truncate(c.Text, e.cfg.MaxPromptTokens), "No context provided"))
	fmt.Fprintf(&b, "METADATA:\n%s\n\n", mustJSON(e.promptMetadata(c)))
	b.WriteString(`Assess whether this context is sufficient to produce a WORLD-CLASS outcome.
Be conservative - only return sufficient=true if you are highly confident.

Return JSON with:
- sufficient: boolean
- confidence: number between 0 and 1
- reasoning: list of reasons
- missing_areas: list of missing knowledge areas
- complexity: one of low, medium, high, expert
- recommended_approach: short description`)
	return b.String()
}

func (e *Evaluator) synthesisPrompt(c models.Context, static Verdict, report validationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\n", orNone(c.Task, "No task specified"))
	fmt.Fprintf(&b, "INITIAL ASSESSMENT:\n%s\n\n", mustJSON(static))
	b.WriteString("LIVE VALIDATION FINDINGS:\n")
	for _, criterion := range []string{CriterionCompleteness, CriterionAccuracy, CriterionRelevance, CriterionDepth, CriterionEdgeCases} {
		findings, ok := report.findings[criterion]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n", strings.ToUpper(criterion))
		if len(findings) == 0 {
			b.WriteString("(no findings)\n")
		}
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s\n", e.tokens.Truncate(f, 1000))
		}
		b.WriteString("\n")
	}
	b.WriteString(`Combine the initial assessment with the validation findings into a final verdict.
Lower confidence where findings contradict the context or reveal missing knowledge.

Return JSON with: sufficient, confidence, reasoning, missing_areas, complexity, recommended_approach, validation_confidence`)
	return b.String()
}

type fileView struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

type workspaceView struct {
	Path      string   `json:"path"`
	Structure []string `json:"structure,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type metadataView struct {
	SessionID     string         `json:"session_id"`
	Intent        string         `json:"intent"`
	Complexity    string         `json:"complexity"`
	Explicit      string         `json:"explicit_intent,omitempty"`
	AttachedFiles []fileView     `json:"attached_files,omitempty"`
	Workspace     *workspaceView `json:"workspace,omitempty"`
}

// maxPromptWorkspaceEntries bounds the workspace listing in the prompt
const maxPromptWorkspaceEntries = 200

// promptMetadata renders the extraction metadata for the model. Attached
// file contents share a quarter of the prompt budget.
func (e *Evaluator) promptMetadata(c models.Context) metadataView {
	m := metadataView{
		SessionID:  c.Metadata.SessionID,
		Intent:     c.Metadata.Intent.Type,
		Complexity: c.Metadata.Intent.Complexity,
		Explicit:   c.Metadata.Intent.Explicit,
	}
	if n := len(c.Metadata.AttachedFiles); n > 0 {
		perFile := e.cfg.MaxPromptTokens / 4 / n
		for _, f := range c.Metadata.AttachedFiles {
			content := e.tokens.Truncate(f.Content, perFile)
			m.AttachedFiles = append(m.AttachedFiles, fileView{
				Path:      f.Path,
				Size:      f.Size,
				Content:   content,
				Truncated: f.Truncated || len(content) < len(f.Content),
				Error:     f.Error,
			})
		}
	}
	if ws := c.Metadata.Workspace; ws != nil {
		entries := ws.Entries
		if len(entries) > maxPromptWorkspaceEntries {
			entries = entries[:maxPromptWorkspaceEntries]
		}
		m.Workspace = &workspaceView{Path: ws.Path, Structure: entries, Error: ws.Error}
	}
	return m
}

func orNone(s, none string) string {
	if strings.TrimSpace(s) == "" {
		return none
	}
	return s
}
