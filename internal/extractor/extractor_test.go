package extractor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Anansitrading/HYPERCOG/internal/models"
	"github.com/Anansitrading/HYPERCOG/internal/persistence"
	"github.com/Anansitrading/HYPERCOG/internal/session"
)

func newExtractor(t *testing.T) (*Extractor, *persistence.Memory, session.Store) {
	t.Helper()
	mem := &persistence.Memory{}
	st := session.NewMemoryStore(time.Hour, zaptest.NewLogger(t))
	return New(st, mem, nil, zaptest.NewLogger(t)), mem, st
}

func TestNewSessionIDFormat(t *testing.T) {
	id := NewSessionID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^20250304_050607_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewSessionID(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)))
}

func TestExtractBuildsContext(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("# Notes\nretry with backoff"), 0o644))
	bin := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(bin, []byte{0, 1, 2, 3}, 0o644))

	ex, mem, st := newExtractor(t)
	c, err := ex.Extract(context.Background(), Request{
		Task:           "fix the login error",
		SessionContext: "users see an error when they fix their password",
		AttachedFiles:  []string{notes, bin, filepath.Join(dir, "missing.txt")},
		WorkspacePath:  dir,
		UserIntent:     "debug login",
	})
	require.NoError(t, err)

	assert.Equal(t, "fix the login error", c.Task)
	assert.Equal(t, "users see an error when they fix their password", c.Text)
	assert.NotEmpty(t, c.SessionID())

	files := c.Metadata.AttachedFiles
	require.Len(t, files, 3)
	assert.Equal(t, "# Notes\nretry with backoff", files[0].Content)
	assert.Equal(t, ".md", files[0].Extension)
	assert.Empty(t, files[1].Content)
	assert.Equal(t, int64(4), files[1].Size)
	assert.NotEmpty(t, files[2].Error)

	assert.Equal(t, models.Intent{Type: models.IntentDebugging, Complexity: models.ComplexityLow, Explicit: "debug login"}, c.Metadata.Intent)

	s, err := st.Get(context.Background(), c.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusExtracting, s.Status)

	saved := mem.Records(persistence.KindPromptStore)
	require.Len(t, saved, 1)
	assert.Equal(t, c.SessionID(), saved[0].SessionID)
}

func TestExtractIsIdempotentPerSession(t *testing.T) {
	ex, mem, _ := newExtractor(t)
	ctx := context.Background()

	first, err := ex.Extract(ctx, Request{SessionID: "fixed", Task: "a", SessionContext: "first"})
	require.NoError(t, err)
	second, err := ex.Extract(ctx, Request{SessionID: "fixed", Task: "b", SessionContext: "second"})
	require.NoError(t, err)

	assert.Equal(t, "fixed", second.SessionID())
	assert.Equal(t, first, second)
	assert.Len(t, mem.Records(persistence.KindPromptStore), 1)
}

func TestReadFileTruncatesLargeText(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("a", MaxFileBytes+10)), 0o644))

	f := readFile(p)
	assert.True(t, f.Truncated)
	assert.Len(t, f.Content, MaxFileBytes)
}

func TestScanWorkspaceDepthAndDotDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "main.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "deep.go"), nil, 0o644))

	ex, _, _ := newExtractor(t)
	ws := ex.scanWorkspace(root)
	require.NotNil(t, ws)
	assert.Equal(t, []string{"a/", "a/b/", "a/main.go", "go.mod"}, ws.Entries)

	missing := ex.scanWorkspace(filepath.Join(root, "nope"))
	assert.NotEmpty(t, missing.Error)
	assert.Nil(t, ex.scanWorkspace(""))
}

func TestComplexity(t *testing.T) {
	assert.Equal(t, models.ComplexityLow, Complexity("short"))
	assert.Equal(t, models.ComplexityMedium, Complexity(strings.Repeat("word ", 60)))
	assert.Equal(t, models.ComplexityHigh, Complexity(strings.Repeat("word ", 250)))
}
