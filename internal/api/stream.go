package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/aloha-tutor/internal/bus"
)

const (
	streamBuffer  = 64
	journalBuffer = 256
)

// streamEvent is the data of one SSE frame.
type streamEvent struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
	State     any    `json:"state,omitempty"`
}

// resyncEvent precedes the first frame after the bus dropped events. Its
// state already reflects the dropped transitions.
const resyncEvent = "resync"

// recordLoop turns bus events into numbered stream frames.
func (h *Handler) recordLoop() {
	defer close(h.loopDone)
	var lastSeq uint64
	for evt := range h.events {
		if evt.Seq != 0 {
			if lastSeq != 0 && evt.Seq > lastSeq+1 {
				missed := evt.Seq - lastSeq - 1
				h.logger.Warn("stream fell behind, events dropped", "missed", missed, "kind", evt.Kind)
				h.record(resyncEvent, streamEvent{
					Kind:      resyncEvent,
					Timestamp: evt.Timestamp.UnixMilli(),
					Payload:   map[string]uint64{"missed": missed},
					State:     evt.State,
				})
			}
			lastSeq = evt.Seq
		}
		h.record(evt.Kind, h.frame(evt))
	}
}

func (h *Handler) record(kind string, frame streamEvent) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("failed to marshal stream event", "kind", kind, "error", err)
		return
	}
	h.journal.append(kind, string(data))
}

// HandleStream streams every bus event as SSE. Chat events carry the state
// captured when the transition happened; presence events carry only their
// payload. When the bus dropped chat events a resync frame comes first. A
// client resuming with Last-Event-ID receives the frames it missed instead
// of a fresh snapshot when they are still retained.
//
//nolint:gocognit // SSE lifecycle handling keeps its branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelay := 5 * time.Second
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		if h.cfg.SSE.RetryDelay > 0 {
			retryDelay = h.cfg.SSE.RetryDelay
		}
		if h.cfg.SSE.KeepaliveInterval > 0 {
			keepaliveInterval = h.cfg.SSE.KeepaliveInterval
		}
	}

	// Subscribe before the initial snapshot so no transition falls in between.
	missed, resumed, lastID, entries, unsubscribe := h.journal.subscribe(lastEventID, streamBuffer)
	defer unsubscribe()

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}

	if resumed {
		h.logger.Info("SSE client resuming", "last_event_id", lastEventID, "missed", len(missed))
		for _, entry := range missed {
			if err := writeSSEWithID(w, entry.ID, entry.Kind, entry.Data); err != nil {
				h.logger.Warn("failed to replay SSE event", "event_id", entry.ID, "error", err)
				return
			}
		}
	} else {
		initial, err := json.Marshal(streamEvent{Kind: "connected", Timestamp: time.Now().UnixMilli(), State: h.store.Snapshot()})
		if err != nil {
			h.logger.Error("failed to marshal initial state", "error", err)
			return
		}
		if err := writeSSEWithID(w, lastID, "connected", string(initial)); err != nil {
			h.logger.Warn("failed to write SSE connected event", "error", err)
			return
		}
	}
	flusher.Flush()
	h.logger.Info("SSE connection established", "remote_addr", r.RemoteAddr, "resumed", resumed)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE stream disconnected", "remote_addr", r.RemoteAddr)
			return
		case entry := <-entries:
			if err := writeSSEWithID(w, entry.ID, entry.Kind, entry.Data); err != nil {
				h.logger.Warn("failed to write SSE event", "kind", entry.Kind, "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// frame prefers the state attached at publish time. Chat events without one
// fall back to the current snapshot.
func (h *Handler) frame(evt bus.Event) streamEvent {
	out := streamEvent{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli(), Payload: evt.Payload, State: evt.State}
	if out.State == nil && strings.HasPrefix(evt.Kind, "chat.") {
		out.State = h.store.Snapshot()
	}
	return out
}

// parseLastEventID reads the Last-Event-ID header, falling back to the
// lastEventId query parameter. Missing or malformed values yield 0.
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
