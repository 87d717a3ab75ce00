package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/aloha-tutor/internal/chat"
	"github.com/ashureev/aloha-tutor/internal/domain"
	"github.com/ashureev/aloha-tutor/internal/identity"
)

// stateResponse is the body of GET /api/state.
type stateResponse struct {
	domain.ChatState
	Banner string `json:"banner,omitempty"`
	Draft  string `json:"draft"`
}

type postMessageRequest struct {
	Content string `json:"content"`
	Subject string `json:"subject"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type statusRequest struct {
	Status domain.Status `json:"status"`
}

type voiceRequest struct {
	VoiceURL      string  `json:"voiceUrl"`
	VoiceDuration float64 `json:"voiceDuration"`
}

type typingRequest struct {
	Draft string `json:"draft"`
}

type themeRequest struct {
	Theme domain.Theme `json:"theme"`
}

type progressRequest struct {
	Subject string `json:"subject"`
	Correct bool   `json:"correct"`
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

// GetState returns the current chat snapshot.
func (h *Handler) GetState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, stateResponse{
		ChatState: h.store.Snapshot(),
		Banner:    h.ctrl.Banner(),
		Draft:     h.ctrl.Draft(),
	})
}

// PostMessage submits user input. The assistant reply arrives on the stream.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(identity.IPFromRequest(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req postMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.ctrl.Submit(r.Context(), req.Content, domain.ParseSubject(req.Subject))
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrOffline), errors.Is(err, chat.ErrTooLong):
		h.logger.Debug("Message rejected", "error", err, "request_id", chiMiddleware.GetReqID(r.Context()))
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, chat.ErrClosed):
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("Submit failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	JSON(w, http.StatusAccepted, sub.UserMessage)
}

// EditMessage replaces the content of a message.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.exists(w, id) {
		return
	}
	var req editMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.store.EditMessage(id, req.Content)
	h.respondMessage(w, id)
}

// UpdateStatus overwrites the delivery status of a message.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.exists(w, id) {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	h.store.UpdateMessageStatus(id, req.Status)
	h.respondMessage(w, id)
}

// MarkRead publishes a read receipt for a message. A disconnected channel
// drops the receipt.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	published := true
	if err := h.ctrl.MarkRead(r.Context(), id); err != nil {
		h.logger.Warn("Failed to publish read receipt", "message_id", id, "error", err)
		published = false
	}
	JSON(w, http.StatusAccepted, map[string]any{"id": id, "published": published})
}

// AttachVoice attaches a recording to an existing message.
func (h *Handler) AttachVoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.exists(w, id) {
		return
	}
	var req voiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.VoiceURL == "" {
		Error(w, http.StatusBadRequest, chat.ErrEmptyVoice.Error())
		return
	}
	h.store.AddVoiceMessage(id, req.VoiceURL, req.VoiceDuration)
	h.respondMessage(w, id)
}

// RecordVoice appends a voice message.
func (h *Handler) RecordVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.ctrl.RecordVoice(req.VoiceURL, req.VoiceDuration)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// Typing reports an input change.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.ctrl.InputChanged(req.Draft)
	w.WriteHeader(http.StatusNoContent)
}

// ToggleTheme flips between light and dark.
func (h *Handler) ToggleTheme(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, themeRequest{Theme: h.store.ToggleTheme()})
}

// SetTheme sets the theme explicitly.
func (h *Handler) SetTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Theme.Valid() {
		Error(w, http.StatusBadRequest, "unknown theme")
		return
	}
	h.store.SetTheme(req.Theme)
	JSON(w, http.StatusOK, themeRequest{Theme: h.store.Theme()})
}

// UpdateProgress records one answer for a subject.
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject := domain.ParseSubject(req.Subject)
	h.store.UpdateLearningProgress(subject, req.Correct)

	progress, tracked := h.store.Snapshot().LearningProgress[subject]
	JSON(w, http.StatusOK, map[string]any{
		"subject":  subject,
		"tracked":  tracked,
		"progress": progress,
	})
}

// SetConnectivity applies a client-reported connectivity change.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.store.SetOnlineStatus(req.Online)
	JSON(w, http.StatusOK, connectivityRequest{Online: h.store.IsOnline()})
}

func (h *Handler) exists(w http.ResponseWriter, id string) bool {
	if _, ok := h.store.Message(id); !ok {
		Error(w, http.StatusNotFound, "message not found")
		return false
	}
	return true
}

func (h *Handler) respondMessage(w http.ResponseWriter, id string) {
	msg, ok := h.store.Message(id)
	if !ok {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	JSON(w, http.StatusOK, msg)
}
