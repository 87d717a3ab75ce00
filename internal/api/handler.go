// Package api provides HTTP handlers for the tutor chat API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/chat"
	"github.com/ashureev/aloha-tutor/internal/config"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the chat endpoints.
type Handler struct {
	store   *chat.Store
	ctrl    *chat.Controller
	bus     *bus.Bus
	limiter *RateLimiter
	cfg     *config.Config
	logger  *slog.Logger

	journal  *journal
	events   <-chan bus.Event
	unsub    func()
	loopDone chan struct{}
}

// NewHandler creates a chat handler and starts recording bus events for the
// stream. cfg may be nil, in which case defaults apply. Call Close to stop.
func NewHandler(store *chat.Store, ctrl *chat.Controller, b *bus.Bus, limiter *RateLimiter, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	replaySize := 0
	if cfg != nil {
		replaySize = cfg.SSE.ReplayBuffer
	}
	h := &Handler{
		store:    store,
		ctrl:     ctrl,
		bus:      b,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		journal:  newJournal(replaySize),
		loopDone: make(chan struct{}),
	}
	// Subscribe here so nothing published after construction is missed.
	h.events, h.unsub = b.Subscribe("", journalBuffer)
	go h.recordLoop()
	return h
}

// Close stops recording stream events.
func (h *Handler) Close() {
	h.unsub()
	<-h.loopDone
}

// RegisterRoutes mounts the chat API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/stream", h.HandleStream)

		r.Post("/messages", h.PostMessage)
		r.Patch("/messages/{id}", h.EditMessage)
		r.Put("/messages/{id}/status", h.UpdateStatus)
		r.Post("/messages/{id}/read", h.MarkRead)
		r.Post("/messages/{id}/voice", h.AttachVoice)

		r.Post("/typing", h.Typing)
		r.Post("/voice", h.RecordVoice)
		r.Post("/theme/toggle", h.ToggleTheme)
		r.Put("/theme", h.SetTheme)
		r.Post("/progress", h.UpdateProgress)
		r.Post("/connectivity", h.SetConnectivity)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a bounded JSON body into v. On failure it writes the error
// response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
