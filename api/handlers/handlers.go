// Package handlers serves the analytics HTTP API: synchronous and streamed
// questions, workflow reattach and cancel, session history, the schema
// catalog and health.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxQuestionLength = 500
	DefaultHeartbeatInterval = 15 * time.Second
	maxRequestBody           = 64 << 10
)

// CatalogService serves and refreshes the schema catalog.
type CatalogService interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
	Refresh(ctx context.Context) (*catalog.Catalog, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type CacheStatter interface {
	Stats() querycache.Stats
}

type Config struct {
	Logger    *slog.Logger
	Manager   *WorkflowManager
	Catalog   CatalogService
	Sessions  session.Store
	Datastore Pinger
	// Cache is optional; its stats are reported by the health endpoint.
	Cache CacheStatter

	MaxQuestionLength int
	HeartbeatInterval time.Duration
	// AllowedOrigins bounds WebSocket upgrades. Empty or "*" allows any.
	AllowedOrigins []string
	Version        string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Manager == nil {
		return fmt.Errorf("workflow manager is required")
	}
	if cfg.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if cfg.Sessions == nil {
		return fmt.Errorf("session store is required")
	}
	if cfg.Datastore == nil {
		return fmt.Errorf("datastore is required")
	}
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return nil
}

type Handler struct {
	log      *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate handlers config: %w", err)
	}
	h := &Handler{log: cfg.Logger, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

// QueryRequest is the body of the question endpoints and the WebSocket
// message.
type QueryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// requestError is a client error with a user-facing message.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (h *Handler) parseQuery(req QueryRequest) (workflow.Request, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return workflow.Request{}, &requestError{"Question is required"}
	}
	if utf8.RuneCountInString(question) > h.cfg.MaxQuestionLength {
		return workflow.Request{}, &requestError{fmt.Sprintf("Question must be at most %d characters", h.cfg.MaxQuestionLength)}
	}
	out := workflow.Request{Question: question, UserID: strings.TrimSpace(req.UserID)}
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return workflow.Request{}, &requestError{"Invalid session_id"}
		}
		out.SessionID = id
	}
	return out, nil
}

func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request) (workflow.Request, bool) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return workflow.Request{}, false
	}
	wreq, err := h.parseQuery(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return workflow.Request{}, false
	}
	return wreq, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("handlers: failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func parseUUIDParam(w http.ResponseWriter, h *Handler, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
