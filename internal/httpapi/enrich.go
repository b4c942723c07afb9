// Package httpapi exposes the enrichment pipeline, session lookups and the
// stage event streams over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/pipeline"
	"github.com/Anansitrading/HYPERCOG/internal/session"
)

// maxBodyBytes bounds POST /v1/enrich bodies
const maxBodyBytes = 8 << 20

// Enricher runs one enrichment call
type Enricher interface {
	Enrich(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// EnrichHandler serves the enrichment and session endpoints
type EnrichHandler struct {
	enricher Enricher
	sessions session.Store
	logger   *zap.Logger
}

// NewEnrichHandler creates a new handler.
func NewEnrichHandler(e Enricher, sessions session.Store, logger *zap.Logger) *EnrichHandler {
	return &EnrichHandler{enricher: e, sessions: sessions, logger: logger}
}

// RegisterRoutes registers enrichment routes on the provided mux.
func (h *EnrichHandler) RegisterRoutes(mux *http.ServeMux, wrap func(scope string, next http.Handler) http.Handler) {
	mux.Handle("POST /v1/enrich", wrap(scopeEnrich, http.HandlerFunc(h.handleEnrich)))
	mux.Handle("GET /v1/sessions/{id}", wrap(scopeSessions, http.HandlerFunc(h.handleSession)))
}

func (h *EnrichHandler) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("enrich decode error", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error(), Status: "failed"})
		return
	}

	res, err := h.enricher.Enrich(r.Context(), req)
	if err != nil {
		var verr *pipeline.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Status: "failed", Fields: verr.Fields})
		case errors.Is(err, pipeline.ErrTimeout):
			h.logger.Warn("enrichment timed out", zap.Error(err))
			writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "enrichment timed out", Status: "failed"})
		case errors.Is(err, context.Canceled):
			// client went away; nobody reads the body
			h.logger.Info("enrichment canceled by client")
		default:
			h.logger.Error("enrichment failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Status: "failed"})
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *EnrichHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrInvalidSession) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found", Status: "failed"})
			return
		}
		h.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Status: "failed"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type errorBody struct {
	Error  string            `json:"error"`
	Status string            `json:"status"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
