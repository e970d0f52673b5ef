package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Query answers a question and waits for the full response. Pipeline
// failures still answer 200 with the error field set; only a run that
// produced no turn is a server error.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}

	rw, err := h.cfg.Manager.Start(req)
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	select {
	case <-rw.Done():
	case <-r.Context().Done():
		// The run is detached and still records its turn.
		h.log.Info("handlers: client went away before the answer", "workflow_id", rw.ID)
		return
	}

	turn, err := rw.Result()
	if turn == nil {
		h.writeError(w, http.StatusInternalServerError, userMessage(err))
		return
	}
	h.writeJSON(w, http.StatusOK, NewQueryResponse(turn))
}

// QueryStream answers a question over SSE: workflow_started, one stage
// event per stage transition, then done or error.
func (h *Handler) QueryStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	rw, err := h.cfg.Manager.Start(req)
	if err != nil {
		h.writeStartError(w, err)
		return
	}
	h.streamWorkflow(w, r, rw)
}

// WorkflowStream reattaches to a running workflow. Events emitted before
// the reattach are replayed first.
func (h *Handler) WorkflowStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, h, chi.URLParam(r, "id"), "workflow id")
	if !ok {
		return
	}
	rw, exists := h.cfg.Manager.Get(id)
	if !exists {
		h.writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	h.streamWorkflow(w, r, rw)
}

// CancelWorkflow cancels a running workflow.
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, h, chi.URLParam(r, "id"), "workflow id")
	if !ok {
		return
	}
	if !h.cfg.Manager.Cancel(id) {
		h.writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrManagerStopped) {
		h.writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	h.log.Error("handlers: failed to start workflow", "error", err)
	h.writeError(w, http.StatusInternalServerError, "Failed to start workflow")
}

func (h *Handler) streamWorkflow(w http.ResponseWriter, r *http.Request, rw *RunningWorkflow) {
	flusher := w.(http.Flusher)

	sub := h.cfg.Manager.subscribe(rw)
	defer h.cfg.Manager.Unsubscribe(rw, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			h.log.Error("handlers: failed to marshal SSE event data", "event_type", eventType, "error", err)
			errorData, _ := json.Marshal(map[string]string{"error": "Failed to serialize response"})
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventError, errorData)
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
		flusher.Flush()
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events:
			sendEvent(ev.Type, ev.Data)
			if ev.Terminal() {
				return
			}
		case <-sub.Done:
			// Flush whatever was queued before the run finished.
			for {
				select {
				case ev := <-sub.Events:
					sendEvent(ev.Type, ev.Data)
					if ev.Terminal() {
						return
					}
				default:
					return
				}
			}
		case <-ticker.C:
			sendEvent(EventHeartbeat, map[string]string{})
		case <-r.Context().Done():
			h.log.Debug("handlers: stream client disconnected", "workflow_id", rw.ID)
			return
		}
	}
}
