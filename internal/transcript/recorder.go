// Package transcript writes the chat history of a session to NDJSON files.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/domain"
	"github.com/ashureev/aloha-tutor/internal/identity"
)

// Config configures a Recorder.
type Config struct {
	Dir       string
	QueueSize int
}

// Entry is one line of a transcript.
type Entry struct {
	Time      time.Time      `json:"ts"`
	SentAt    time.Time      `json:"sent_at,omitzero"`
	Event     string         `json:"event"`
	MessageID string         `json:"message_id"`
	Sender    domain.Sender  `json:"sender,omitempty"`
	Kind      domain.Kind    `json:"type,omitempty"`
	Subject   domain.Subject `json:"subject,omitempty"`
	Content   string         `json:"content"`
	Voice     bool           `json:"voice,omitempty"`
}

// Recorder appends entries to <dir>/<user>/<session>.ndjson from a single
// writer goroutine. Log never blocks; entries beyond the queue are dropped.
type Recorder struct {
	path    string
	file    *os.File
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	logger  *slog.Logger
}

// NewRecorder opens a fresh transcript file for userID.
func NewRecorder(cfg Config, userID string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if safe := identity.SanitizeUserID(userID); safe != "" {
		userID = safe
	} else {
		userID = "unknown"
	}

	dir := filepath.Join(cfg.Dir, userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	session, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	path := filepath.Join(dir, session.String()+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}

	r := &Recorder{
		path:   path,
		file:   file,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.writeLoop()
	return r, nil
}

// Path returns the transcript file path.
func (r *Recorder) Path() string {
	return r.path
}

// Log enqueues an entry. It must not be called after Close.
func (r *Recorder) Log(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("Transcript queue full, dropping entries", "dropped", n)
		}
	}
}

// Follow records added and edited messages from b until ctx ends.
func (r *Recorder) Follow(ctx context.Context, b *bus.Bus) {
	events, unsubscribe := b.Subscribe("chat.message_", 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if e, ok := entryFor(evt); ok {
				r.Log(e)
			}
		}
	}
}

func entryFor(evt bus.Event) (Entry, bool) {
	switch evt.Kind {
	case bus.KindMessageAdded, bus.KindMessageEdited:
	default:
		return Entry{}, false
	}
	msg, ok := evt.Payload.(domain.Message)
	if !ok {
		return Entry{}, false
	}
	entry := Entry{
		Time:      evt.Timestamp.UTC(),
		Event:     evt.Kind,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Kind:      msg.Type,
		Subject:   msg.Subject,
		Content:   msg.Content,
		Voice:     msg.HasVoice(),
	}
	if msg.Timestamp > 0 {
		entry.SentAt = msg.CreatedAt().UTC()
	}
	return entry, true
}

// Close flushes queued entries and closes the file.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.queue)
		<-r.done
		err = r.file.Close()
	})
	return err
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	enc := json.NewEncoder(r.file)
	for e := range r.queue {
		if err := enc.Encode(e); err != nil {
			r.logger.Warn("Failed to write transcript entry", "path", r.path, "error", err)
		}
	}
}
