// Package maintenance exposes the cron-triggered cleanup endpoint.
package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"authcore/internal/cache"
	"authcore/internal/observability"
)

type CleanupHandler struct {
	backend    cache.Maintainer
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(backend cache.Maintainer, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		backend:    backend,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

// Handle compacts the cache backend. Without a configured secret the
// endpoint does not exist.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	started := time.Now()
	result, err := h.backend.Compact(r.Context())
	if err != nil {
		h.logger.Error("cache_compact_failed", map[string]any{"backend": result.Backend, "error": err.Error()})
		observability.CaptureRequestError(r, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("cache_compact_completed", map[string]any{
		"backend":     result.Backend,
		"removed":     result.Removed,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
