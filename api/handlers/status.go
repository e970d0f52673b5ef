package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthResponse reports the state of the service and its dependencies.
type HealthResponse struct {
	Status    string            `json:"status"` // "healthy", "degraded"
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
	Cache     *querycache.Stats `json:"cache,omitempty"`
	Workflows PoolStats         `json:"workflows"`
}

func (h *Handler) checkDependencies(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var datastoreErr, sessionsErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		datastoreErr = h.cfg.Datastore.Ping(gctx)
		return nil
	})
	g.Go(func() error {
		sessionsErr = h.cfg.Sessions.Ping(gctx)
		return nil
	})
	_ = g.Wait()

	checks := map[string]string{"datastore": "ok", "sessions": "ok"}
	if datastoreErr != nil {
		h.log.Warn("handlers: datastore health check failed", "error", datastoreErr)
		checks["datastore"] = datastoreErr.Error()
	}
	if sessionsErr != nil {
		h.log.Warn("handlers: session store health check failed", "error", sessionsErr)
		checks["sessions"] = sessionsErr.Error()
	}
	return checks
}

// Health reports dependency checks, cache statistics and workflow pool
// occupancy. A failed dependency degrades the status but still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.cfg.Version,
		Checks:    h.checkDependencies(r.Context()),
		Workflows: h.cfg.Manager.Stats(),
	}
	for _, v := range resp.Checks {
		if v != "ok" {
			resp.Status = "degraded"
		}
	}
	if h.cfg.Cache != nil {
		stats := h.cfg.Cache.Stats()
		resp.Cache = &stats
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Readyz is the readiness probe. It fails while the datastore is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.cfg.Datastore.Ping(ctx); err != nil {
		h.log.Warn("handlers: readiness check failed", "error", err)
		http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
