package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChannelStatus reports realtime channel connectivity.
type ChannelStatus interface {
	Connected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo         Pinger
	channel      ChannelStatus // optional
	aiConfigured bool
	timeout      time.Duration
}

// NewHealthHandler creates a health handler. channel may be nil.
func NewHealthHandler(repo Pinger, channel ChannelStatus, aiConfigured bool) *HealthHandler {
	return &HealthHandler{repo: repo, channel: channel, aiConfigured: aiConfigured, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
// Only an unreachable database makes the service unhealthy; a missing
// channel or model key degrades it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.channel != nil {
		if h.channel.Connected() {
			checks["channel"] = "ok"
		} else {
			checks["channel"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	if h.aiConfigured {
		checks["completion"] = "ok"
	} else {
		checks["completion"] = "missing_api_key"
		if status == "healthy" {
			status = "degraded"
		}
	}

	JSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
