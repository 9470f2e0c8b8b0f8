package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, logger: logger}
}

// HandleHealth reports pipeline liveness. UNHEALTHY answers 503 so load
// balancers and probes can act on the status code alone.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.provider.Health()
	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, health)
}

// HandleUniverse returns the current per-symbol store summary.
func (h *Handlers) HandleUniverse(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.provider.Universe())
}

// HandleModel returns the active artifact's metadata, 404 before the first
// publication.
func (h *Handlers) HandleModel(w http.ResponseWriter, r *http.Request) {
	info, ok := h.provider.Model()
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no model published"})
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", "error", err)
	}
}
