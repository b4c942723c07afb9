package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves SSE and WebSocket endpoints for session events.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers stream routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux, wrap func(scope string, next http.Handler) http.Handler) {
	mux.Handle("GET /v1/stream/sse", wrap(scopeStream, http.HandlerFunc(h.handleSSE)))
	mux.Handle("GET /v1/stream/ws", wrap(scopeStream, http.HandlerFunc(h.handleWS)))
}

// streamQuery is what both transports read from the request
type streamQuery struct {
	sessionID string
	types     map[string]struct{}
	// replay is set when the client named a last event id, 0 included
	replay    bool
	lastID    uint64
}

func parseStreamQuery(r *http.Request) streamQuery {
	q := streamQuery{sessionID: r.URL.Query().Get("session_id"), types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				q.types[t] = struct{}{}
			}
		}
	}
	lei := r.Header.Get("Last-Event-ID")
	if lei == "" {
		lei = r.URL.Query().Get("last_event_id")
	}
	if lei != "" {
		if n, err := strconv.ParseUint(strings.TrimSpace(lei), 10, 64); err == nil {
			q.replay, q.lastID = true, n
		}
	}
	return q
}

func (q streamQuery) wants(ev streaming.Event) bool {
	if len(q.types) == 0 {
		return true
	}
	_, ok := q.types[ev.Type]
	return ok
}

// handleSSE streams events for a session via Server-Sent Events.
// GET /v1/stream/sse?session_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := parseStreamQuery(r)
	if q.sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "session_id required", Status: "failed"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported", Status: "failed"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost
	ch := h.mgr.Subscribe(q.sessionID, subscriberBuffer)
	defer h.mgr.Unsubscribe(q.sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", q.sessionID)
	flusher.Flush()

	var sent uint64
	if q.replay {
		for _, ev := range h.mgr.ReplaySince(q.sessionID, q.lastID) {
			sent = ev.Seq
			if q.wants(ev) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
	}

	// Heartbeat ticker
	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", q.sessionID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// already delivered by the replay
			if ev.Seq <= sent || !q.wants(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
