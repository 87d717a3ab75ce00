package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ashureev/aloha-tutor/internal/channel"
	"github.com/ashureev/aloha-tutor/internal/domain"
	"github.com/ashureev/aloha-tutor/internal/identity"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	AllowedOrigin string
	IsDev         bool
	AutoReadDelay time.Duration // 0 disables synthetic read receipts
	FramesPerSec  float64
	FrameBurst    int
	Logger        *slog.Logger
}

// Handler upgrades requests to websocket connections and routes chat events.
type Handler struct {
	hub  *Hub
	opts HandlerOptions
	log  *slog.Logger
}

// NewHandler creates a relay handler on top of hub.
func NewHandler(hub *Hub, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FramesPerSec <= 0 {
		opts.FramesPerSec = 20
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = 40
	}
	return &Handler{hub: hub, opts: opts, log: opts.Logger}
}

// ServeHTTP implements http.Handler for the websocket upgrade. The identity
// middleware must run first.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.log.Info("Relay connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.log.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	p := &peer{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    ws,
		limiter: rate.NewLimiter(rate.Limit(h.opts.FramesPerSec), h.opts.FrameBurst),
	}
	h.hub.register(p)
	defer h.hub.unregister(p)

	h.readLoop(r.Context(), p)
	h.log.Info("Relay session ended", "user_id", userID, "conn_id", p.id)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" || origin == h.opts.AllowedOrigin {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, p *peer) {
	for {
		typ, frame, err := p.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.log.Debug("WebSocket closed by client", "user_id", p.userID)
			} else if ctx.Err() == nil {
				h.log.Warn("WebSocket read error", "error", err, "user_id", p.userID)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !p.limiter.Allow() {
			h.log.Debug("Dropping throttled frame", "user_id", p.userID, "conn_id", p.id)
			continue
		}

		env, err := channel.Decode(frame)
		if err != nil {
			h.log.Warn("Ignoring malformed frame", "user_id", p.userID, "error", err)
			continue
		}
		h.route(p, env)
	}
}

func (h *Handler) route(p *peer, env channel.Envelope) {
	switch env.Type {
	case channel.EventSendMessage:
		var msg domain.Message
		if err := env.DecodeData(&msg); err != nil || msg.ID == "" {
			h.log.Warn("Ignoring invalid send_message", "user_id", p.userID, "error", err)
			return
		}
		h.hub.send(p, channel.EventMessageDelivered, msg.ID)
		fanout := h.hub.broadcast(p, channel.EventNewMessage, msg)
		h.log.Debug("Message relayed", "message_id", msg.ID, "sender", msg.Sender, "recipients", fanout)

		if msg.Sender == domain.SenderUser && h.opts.AutoReadDelay > 0 {
			p.after(h.opts.AutoReadDelay, func() {
				h.hub.send(p, channel.EventMessageRead, msg.ID)
			})
		}

	case channel.EventTypingStart:
		var typingID string
		if err := env.DecodeData(&typingID); err != nil || typingID == "" {
			typingID = p.userID
		}
		h.hub.broadcast(p, channel.EventUserTyping, typingID)

	case channel.EventTypingStop:
		h.log.Debug("Typing stopped", "user_id", p.userID)

	case channel.EventMarkRead:
		var id string
		if err := env.DecodeData(&id); err != nil || id == "" {
			h.log.Warn("Ignoring invalid mark_read", "user_id", p.userID, "error", err)
			return
		}
		h.hub.broadcast(p, channel.EventMessageRead, id)

	case channel.EventPing:
		h.hub.send(p, channel.EventPong, nil)

	default:
		h.log.Debug("Ignoring unknown event", "event", env.Type, "user_id", p.userID)
	}
}
