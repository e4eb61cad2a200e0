package api

import (
	"context"
	"log/slog"
	"net/http"
)

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// ListModels returns the self-hosted models, or an empty list when none are
// reachable.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"models": []interface{}{}})
		return
	}
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		slog.Warn("Failed to list models", "error", err)
		Error(w, http.StatusBadGateway, "model host unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"models": models})
}
