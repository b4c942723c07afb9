package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Anansitrading/HYPERCOG/internal/auth"
	"github.com/Anansitrading/HYPERCOG/internal/health"
	"github.com/Anansitrading/HYPERCOG/internal/pipeline"
	"github.com/Anansitrading/HYPERCOG/internal/session"
	"github.com/Anansitrading/HYPERCOG/internal/streaming"
)

type enrichFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)

func (f enrichFunc) Enrich(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return f(ctx, req)
}

func newRouter(t *testing.T, e Enricher, mw *auth.Middleware) (*http.ServeMux, session.Store, *streaming.Manager) {
	t.Helper()
	store := session.NewMemoryStore(time.Hour, zap.NewNop())
	streams := streaming.NewManager(16, 10, zap.NewNop())
	mux := NewRouter(Options{
		Enricher: e,
		Sessions: store,
		Streams:  streams,
		Health:   health.NewManager(zap.NewNop()),
		Auth:     mw,
		Logger:   zap.NewNop(),
	})
	return mux, store, streams
}

func post(mux http.Handler, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/enrich", strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestEnrichSuccess(t *testing.T) {
	var got pipeline.Request
	mux, _, _ := newRouter(t, enrichFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
		got = req
		return &pipeline.Result{Status: "ok", SessionID: "s1", Path: "sufficient_manageable"}, nil
	}), nil)

	rec := post(mux, `{"task":"fix login","context":{"session_context":"auth flow","attached_files":[{"path":"a.go"}]},"timeout_seconds":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sufficient_manageable", body["path"])
	assert.Equal(t, "fix login", got.Task)
	assert.Equal(t, "a.go", got.Context.AttachedFiles[0].Path)
	assert.Equal(t, 30*time.Second, got.Timeout())
}

func TestEnrichErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		code    int
		message string
	}{
		{
			name:    "malformed json",
			body:    `{"task":`,
			code:    http.StatusBadRequest,
			message: "invalid JSON",
		},
		{
			name:    "validation",
			body:    `{"task":"x","context":{"session_context":"y"}}`,
			err:     &pipeline.ValidationError{Fields: map[string]string{"task": "is required"}},
			code:    http.StatusBadRequest,
			message: "invalid request",
		},
		{
			name:    "timeout",
			body:    `{"task":"x","context":{"session_context":"y"}}`,
			err:     fmt.Errorf("%w after 1s", pipeline.ErrTimeout),
			code:    http.StatusGatewayTimeout,
			message: "enrichment timed out",
		},
		{
			name:    "internal",
			body:    `{"task":"x","context":{"session_context":"y"}}`,
			err:     fmt.Errorf("evaluate: boom"),
			code:    http.StatusInternalServerError,
			message: "evaluate: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _, _ := newRouter(t, enrichFunc(func(context.Context, pipeline.Request) (*pipeline.Result, error) {
				return nil, tt.err
			}), nil)
			rec := post(mux, tt.body)
			require.Equal(t, tt.code, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "failed", body["status"])
			assert.Contains(t, body["error"], tt.message)
			if tt.name == "validation" {
				assert.Equal(t, map[string]any{"task": "is required"}, body["fields"])
			}
		})
	}
}

func TestSessionLookup(t *testing.T) {
	mux, store, _ := newRouter(t, enrichFunc(nil), nil)
	_, _, err := store.Create(context.Background(), &session.Session{ID: "s1", Task: "t", Status: session.StatusReady, Path: "sufficient_manageable"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "sufficient_manageable", body["path"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthGuardsAPI(t *testing.T) {
	jwtm := auth.NewJWTManager("test-secret-key-of-sufficient-length", time.Hour)
	mw := auth.NewMiddleware(jwtm, false, zaptest.NewLogger(t))
	mux, _, _ := newRouter(t, enrichFunc(func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		return &pipeline.Result{Status: "ok"}, nil
	}), mw)
	body := `{"task":"x","context":{"session_context":"y"}}`

	assert.Equal(t, http.StatusUnauthorized, post(mux, body).Code)

	readOnly, err := jwtm.Issue("reader", auth.ScopeSessionsRead)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, post(mux, body, "Authorization", "Bearer "+readOnly).Code)

	full, err := jwtm.Issue("writer")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, post(mux, body, "Authorization", "Bearer "+full).Code)

	// probes and metrics stay open
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSSEReplayAndLive(t *testing.T) {
	mux, _, streams := newRouter(t, enrichFunc(nil), nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	streams.Publish("s1", streaming.Event{Type: streaming.StageStarted, Stage: "extract"})
	streams.Publish("s1", streaming.Event{Type: streaming.StageCompleted, Stage: "extract"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/stream/sse?session_id=s1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, prefix) {
				return strings.TrimPrefix(line, prefix)
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}

	assert.Equal(t, "2", next("id: "))
	assert.Equal(t, streaming.StageCompleted, next("event: "))

	streams.Publish("s1", streaming.Event{Type: streaming.PipelineCompleted})
	assert.Equal(t, "3", next("id: "))
	var ev streaming.Event
	require.NoError(t, json.Unmarshal([]byte(next("data: ")), &ev))
	assert.Equal(t, streaming.PipelineCompleted, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestSSERequiresSession(t *testing.T) {
	mux, _, _ := newRouter(t, enrichFunc(nil), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReplayAndLive(t *testing.T) {
	mux, _, streams := newRouter(t, enrichFunc(nil), nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	streams.Publish("s1", streaming.Event{Type: streaming.StageStarted, Stage: "extract"})
	streams.Publish("s1", streaming.Event{Type: streaming.StageCompleted, Stage: "extract"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream/ws?session_id=s1&last_event_id=1&types=STAGE_COMPLETED,PIPELINE_FAILED"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "extract", ev.Stage)

	// the replay was written after subscribing, so a live publish now arrives next
	streams.Publish("s1", streaming.Event{Type: streaming.AgentCompleted})
	streams.Publish("s1", streaming.Event{Type: streaming.PipelineFailed, Message: "boom"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.PipelineFailed, ev.Type)
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestSSELastEventIDZeroReplaysEverything(t *testing.T) {
	mux, _, streams := newRouter(t, enrichFunc(nil), nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	streams.Publish("s1", streaming.Event{Type: streaming.StageStarted, Stage: "extract"})
	streams.Publish("s1", streaming.Event{Type: streaming.StageCompleted, Stage: "extract"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/stream/sse?session_id=s1", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var ids []string
	for len(ids) < 2 && sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestParseStreamQuery(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		header     string
		wantReplay bool
		wantLastID uint64
	}{
		{"absent", "/v1/stream/sse?session_id=s1", "", false, 0},
		{"header zero", "/v1/stream/sse?session_id=s1", "0", true, 0},
		{"query zero", "/v1/stream/sse?session_id=s1&last_event_id=0", "", true, 0},
		{"header wins", "/v1/stream/sse?session_id=s1&last_event_id=9", "4", true, 4},
		{"garbage", "/v1/stream/sse?session_id=s1", "abc", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Last-Event-ID", tt.header)
			}
			q := parseStreamQuery(r)
			assert.Equal(t, "s1", q.sessionID)
			assert.Equal(t, tt.wantReplay, q.replay)
			assert.Equal(t, tt.wantLastID, q.lastID)
		})
	}
}
