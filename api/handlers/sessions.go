package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/go-chi/chi/v5"
)

const maxHistoryLimit = 100

type SessionHistoryResponse struct {
	Session *session.Session `json:"session"`
	Turns   []QueryResponse  `json:"turns"`
}

// GetSession returns a session's metadata and conversational context.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, h, chi.URLParam(r, "id"), "session id")
	if !ok {
		return
	}
	sess, err := h.cfg.Sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.log.Error("handlers: failed to get session", "session_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// SessionHistory returns the most recent turns of a session, oldest first.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, h, chi.URLParam(r, "id"), "session id")
	if !ok {
		return
	}

	limit := session.DefaultHistoryTurns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	sess, err := h.cfg.Sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		h.log.Error("handlers: failed to get session", "session_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	turns, err := h.cfg.Sessions.History(r.Context(), id, limit)
	if err != nil {
		h.log.Error("handlers: failed to get session history", "session_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get session history")
		return
	}

	resp := SessionHistoryResponse{Session: sess, Turns: make([]QueryResponse, 0, len(turns))}
	for i := range turns {
		resp.Turns = append(resp.Turns, NewQueryResponse(&turns[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// SessionWorkflow reports the workflow currently running for a session so
// a reconnecting client can reattach to it.
func (h *Handler) SessionWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, h, chi.URLParam(r, "id"), "session id")
	if !ok {
		return
	}
	workflowID, running := h.cfg.Manager.RunningForSession(id)
	if !running {
		h.writeError(w, http.StatusNotFound, "No running workflow")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflow_id": workflowID, "session_id": id})
}
