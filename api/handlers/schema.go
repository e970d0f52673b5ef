package handlers

import (
	"net/http"
)

// Schema returns the schema catalog. With ?format=text it returns the
// schema block given to the model.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	cat, err := h.cfg.Catalog.Get(r.Context())
	if err != nil {
		h.log.Error("handlers: failed to load catalog", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Schema is unavailable")
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(cat.Format()))
		return
	}
	h.writeJSON(w, http.StatusOK, cat)
}

// RefreshSchema reloads the catalog from the datastore.
func (h *Handler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	cat, err := h.cfg.Catalog.Refresh(r.Context())
	if err != nil {
		h.log.Error("handlers: failed to refresh catalog", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Schema refresh failed")
		return
	}
	h.log.Info("handlers: catalog refreshed", "tables", cat.TableNames())
	h.writeJSON(w, http.StatusOK, cat)
}
