// Package chat holds the chat state store and the composition controller.
package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/domain"
)

const (
	// levelEvery answers, a subject can level up.
	levelEvery = 5
	// levelThreshold is the accuracy needed to level up.
	levelThreshold = 0.8

	themeWriteTimeout = 5 * time.Second
)

// ThemePersister writes the theme preference to durable client storage.
type ThemePersister interface {
	SaveTheme(ctx context.Context, theme domain.Theme) error
}

// StoreOptions configures a new Store.
type StoreOptions struct {
	Theme    domain.Theme
	Online   bool
	User     domain.User
	Peers    []domain.User
	Themes   ThemePersister // optional
	Bus      *bus.Bus       // optional
	Logger   *slog.Logger
	Now      func() time.Time
	Subjects []domain.Subject // subjects with a progress record; defaults to domain.TrackedSubjects
}

// Store is the single owner of the chat state. Every mutation goes through
// one of its named transitions, which are applied atomically in call order
// and announced on the bus in that same order.
type Store struct {
	mu     sync.Mutex
	state  domain.ChatState
	themes ThemePersister
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
	seq    uint64
}

// NewStore creates a store with the given initial state.
func NewStore(opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.Theme.Valid() {
		opts.Theme = domain.ThemeLight
	}
	if opts.User.ID == "" {
		opts.User = domain.DefaultUser()
	}
	if opts.Peers == nil {
		opts.Peers = domain.DefaultRoster()
	}
	if opts.Subjects == nil {
		opts.Subjects = domain.TrackedSubjects
	}

	progress := make(map[domain.Subject]domain.LearningProgress, len(opts.Subjects))
	for _, s := range opts.Subjects {
		progress[s] = domain.NewLearningProgress()
	}

	return &Store{
		state: domain.ChatState{
			Messages:         []domain.Message{},
			Theme:            opts.Theme,
			User:             opts.User,
			IsOnline:         opts.Online,
			AvailableUsers:   slices.Clone(opts.Peers),
			LearningProgress: progress,
		},
		themes: opts.Themes,
		bus:    opts.Bus,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// AddMessage appends msg. A question with a subject becomes the current subject.
// Messages with duplicate ids are kept.
func (s *Store) AddMessage(msg domain.Message) {
	msg = msg.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Messages = append(s.state.Messages, msg)
	if msg.Type == domain.KindQuestion && msg.Subject != "" {
		s.state.CurrentSubject = msg.Subject
	}
	s.publish(bus.KindMessageAdded, msg.Clone())
}

// SetAiTyping sets whether the assistant is composing a reply.
func (s *Store) SetAiTyping(typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsAiTyping = typing
	s.publish(bus.KindAiTyping, typing)
}

// ToggleTheme flips the theme and persists the new value.
func (s *Store) ToggleTheme() domain.Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	theme := s.state.Theme.Toggled()
	s.state.Theme = theme
	s.persistTheme(theme)
	s.publish(bus.KindTheme, theme)
	return theme
}

// SetTheme sets and persists theme. Unknown themes are ignored.
func (s *Store) SetTheme(theme domain.Theme) {
	if !theme.Valid() {
		s.logger.Debug("Ignoring unknown theme", "theme", theme)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Theme = theme
	s.persistTheme(theme)
	s.publish(bus.KindTheme, theme)
}

// persistTheme runs under s.mu so storage always reflects the last transition.
// A failed write is logged and never undoes the in-memory change.
func (s *Store) persistTheme(theme domain.Theme) {
	if s.themes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), themeWriteTimeout)
	defer cancel()
	if err := s.themes.SaveTheme(ctx, theme); err != nil {
		s.logger.Warn("Failed to persist theme", "theme", theme, "error", err)
	}
}

// UpdateMessageStatus overwrites the status of the first message with id.
// Status order is not enforced.
func (s *Store) UpdateMessageStatus(id string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.find(id)
	if msg == nil {
		return
	}
	if status.Valid() && msg.Status.Valid() && status.Before(msg.Status) {
		s.logger.Debug("Message status moved backwards", "message_id", id, "from", msg.Status, "to", status)
	}
	msg.Status = status
	s.publish(bus.KindMessageStatus, msg.Clone())
}

// EditMessage replaces the content of the first message with id and marks it edited.
func (s *Store) EditMessage(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.find(id)
	if msg == nil {
		return
	}
	msg.Content = content
	msg.IsEdited = true
	s.publish(bus.KindMessageEdited, msg.Clone())
}

// SetOnlineStatus records connectivity.
func (s *Store) SetOnlineStatus(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsOnline = online
	s.publish(bus.KindOnline, online)
}

// UpdateLearningProgress records one answer for subject. Subjects without a
// progress record are ignored.
func (s *Store) UpdateLearningProgress(subject domain.Subject, correct bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.state.LearningProgress[subject]
	if !ok {
		return
	}
	progress.Record(correct, levelEvery, levelThreshold)
	s.state.LearningProgress[subject] = progress
	s.publish(bus.KindLearningProgress, map[domain.Subject]domain.LearningProgress{subject: progress})
}

// AddVoiceMessage attaches a voice recording to the first message with id.
func (s *Store) AddVoiceMessage(id, voiceURL string, voiceDuration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.find(id)
	if msg == nil {
		return
	}
	msg.VoiceURL = voiceURL
	msg.VoiceDuration = voiceDuration
	s.publish(bus.KindVoiceAttached, msg.Clone())
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() domain.ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Message returns a copy of the first message with id.
func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.find(id)
	if msg == nil {
		return domain.Message{}, false
	}
	return msg.Clone(), true
}

// IsOnline reports the current connectivity flag.
func (s *Store) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsOnline
}

// User returns the local user identity.
func (s *Store) User() domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.User
}

// Theme returns the current theme.
func (s *Store) Theme() domain.Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Theme
}

// find must be called with s.mu held.
func (s *Store) find(id string) *domain.Message {
	for i := range s.state.Messages {
		if s.state.Messages[i].ID == id {
			return &s.state.Messages[i]
		}
	}
	return nil
}

// publish must be called with s.mu held so events leave in transition order.
// Each event carries its sequence number and the state it produced.
func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.seq++
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: s.now(),
		Payload:   payload,
		Seq:       s.seq,
		State:     s.state.Clone(),
	})
}
