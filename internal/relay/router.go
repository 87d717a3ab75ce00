package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/aloha-tutor/internal/identity"
)

// NewRouter mounts the websocket endpoint and a JSON health check.
func NewRouter(h *Handler, hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"peers":  hub.Count(),
		})
	})
	r.With(identity.Middleware).Get("/ws/chat", h.ServeHTTP)
	return r
}
