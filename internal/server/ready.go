package server

import (
	"context"
	"net/http"
	"time"
)

// readyTimeout bounds the storage ping of a readiness probe.
const readyTimeout = 5 * time.Second

// readyHandler returns 200 OK if the service is ready to serve requests.
// Load balancers and orchestrators use it to decide when to route traffic.
//
// Readiness checks:
// 1. Storage connectivity
//
// Returns 200 OK if all checks pass, 503 Service Unavailable if any check fails.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeErrorWithRequest(w, r, http.StatusServiceUnavailable, codeUnavailable, "storage not ready", nil)
		return
	}

	w.Header().Set(headerContentType, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
