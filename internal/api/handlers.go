// Package api exposes the estimator engine over HTTP. The embedded widget
// is a thin renderer: every operation returns the full view so the client
// never holds state the server does not.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matthew-callmother/estimator/internal/engine"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/store"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

// SessionHandler handles the estimator session endpoints.
type SessionHandler struct {
	engine *engine.Engine
	cfg    *schema.Config
	logger *logging.Logger
}

// NewSessionHandler creates a handler over the engine.
func NewSessionHandler(eng *engine.Engine, cfg *schema.Config, logger *logging.Logger) *SessionHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionHandler{engine: eng, cfg: cfg, logger: logger}
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	PageURL string            `json:"page_url,omitempty"`
	UTM     map[string]string `json:"utm,omitempty"`

	// Website is the honeypot field. Humans never see it; bots fill it.
	Website string `json:"website,omitempty"`
}

// AnswersRequest is the body of POST /sessions/{id}/answers.
type AnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// CreateSession handles POST /sessions.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	view, err := h.engine.StartSession(r.Context(), req.UTM, req.PageURL, req.Website)
	if err != nil {
		h.logger.Error("failed to start session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetSession handles GET /sessions/{id}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetView(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetAnswers handles POST /sessions/{id}/answers.
func (h *SessionHandler) SetAnswers(w http.ResponseWriter, r *http.Request) {
	var req AnswersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, http.StatusBadRequest, "answers are required")
		return
	}

	view, err := h.engine.SetAnswers(r.Context(), chi.URLParam(r, "sessionID"), req.Answers)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Advance handles POST /sessions/{id}/advance.
func (h *SessionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Advance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Back handles POST /sessions/{id}/back.
func (h *SessionHandler) Back(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Back(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Submit handles POST /sessions/{id}/submit.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Submit(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetConfig handles GET /config: the widget bootstraps its renderer from
// the same question graph the server runs.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}

// HealthCheck handles GET /health.
func (h *SessionHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandler) writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  "validation failed",
			Fields: verr.Fields,
		})
	case errors.Is(err, engine.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, "please wait before submitting again")
	case errors.Is(err, engine.ErrWebhookFailed):
		h.logger.Error("lead delivery failed", "error", err)
		writeError(w, http.StatusBadGateway, "submission could not be delivered, please retry")
	default:
		h.logger.Error("session operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
