// Package relay is the websocket server side of the realtime chat channel.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ashureev/aloha-tutor/internal/channel"
)

// peer is one open connection.
type peer struct {
	id      string
	userID  string
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

// after runs fn once d elapses unless the peer disconnects first.
func (p *peer) after(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.timers = append(p.timers, time.AfterFunc(d, fn))
}

func (p *peer) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
}

// Hub tracks open connections and routes frames between them.
type Hub struct {
	mu           sync.RWMutex
	peers        map[string]*peer
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		peers:        make(map[string]*peer),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// register adds p to the hub.
func (h *Hub) register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.id] = p
	h.logger.Info("Relay peer registered", "user_id", p.userID, "conn_id", p.id, "peers", len(h.peers))
}

// unregister removes p and cancels its scheduled frames.
func (h *Hub) unregister(p *peer) {
	p.stopTimers()

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.peers[p.id]; ok && current == p {
		delete(h.peers, p.id)
		h.logger.Info("Relay peer unregistered", "user_id", p.userID, "conn_id", p.id, "peers", len(h.peers))
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CloseAll terminates every open connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.stopTimers()
		_ = p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

// send writes one event to p. Failures are logged; the read loop of p
// notices a dead connection on its own.
func (h *Hub) send(p *peer, eventType string, payload any) {
	frame, err := channel.Encode(eventType, payload)
	if err != nil {
		h.logger.Error("Failed to encode relay frame", "event", eventType, "error", err)
		return
	}
	h.write(p, eventType, frame)
}

func (h *Hub) write(p *peer, eventType string, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		h.logger.Debug("Relay write failed", "event", eventType, "conn_id", p.id, "error", err)
	}
}

// broadcast writes one event to every connection except from.
func (h *Hub) broadcast(from *peer, eventType string, payload any) int {
	frame, err := channel.Encode(eventType, payload)
	if err != nil {
		h.logger.Error("Failed to encode relay frame", "event", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != from.id {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		h.write(p, eventType, frame)
	}
	return len(targets)
}
