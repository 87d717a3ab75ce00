package domain

import (
	"maps"
	"slices"
)

// Theme is the UI color scheme preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Valid reports whether t is a known theme.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

// Toggled returns the opposite theme.
func (t Theme) Toggled() Theme {
	if t == ThemeLight {
		return ThemeDark
	}
	return ThemeLight
}

// Presence is the availability of a user in the roster.
type Presence string

const (
	PresenceActive  Presence = "active"
	PresenceOffline Presence = "offline"
	PresenceTyping  Presence = "typing"
)

// User is a chat participant.
type User struct {
	ID     string   `json:"id" toml:"id"`
	Name   string   `json:"name" toml:"name"`
	Status Presence `json:"status" toml:"status"`
	Avatar string   `json:"avatar" toml:"avatar"`
}

// LearningProgress tracks answer correctness for one subject.
type LearningProgress struct {
	Level             int     `json:"level"`
	QuestionsAnswered int     `json:"questionsAnswered"`
	Accuracy          float64 `json:"accuracy"`
}

// Record applies one answer to the running accuracy. Every levelEvery answers,
// the level is raised when accuracy is at least levelThreshold.
func (p *LearningProgress) Record(correct bool, levelEvery int, levelThreshold float64) {
	p.QuestionsAnswered++
	n := float64(p.QuestionsAnswered)
	score := 0.0
	if correct {
		score = 1
	}
	p.Accuracy = (p.Accuracy*(n-1) + score) / n

	if levelEvery > 0 && p.QuestionsAnswered%levelEvery == 0 && p.Accuracy >= levelThreshold {
		p.Level++
	}
}

// NewLearningProgress returns a fresh record at level 1.
func NewLearningProgress() LearningProgress {
	return LearningProgress{Level: 1}
}

// ChatState is a point-in-time copy of the chat store.
type ChatState struct {
	Messages         []Message                    `json:"messages"`
	IsAiTyping       bool                         `json:"isAiTyping"`
	Theme            Theme                        `json:"theme"`
	User             User                         `json:"user"`
	IsOnline         bool                         `json:"isOnline"`
	AvailableUsers   []User                       `json:"availableUsers"`
	CurrentSubject   Subject                      `json:"currentSubject,omitempty"`
	LearningProgress map[Subject]LearningProgress `json:"learningProgress"`
}

// Clone returns a deep copy of s.
func (s ChatState) Clone() ChatState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	out.AvailableUsers = slices.Clone(s.AvailableUsers)
	out.LearningProgress = maps.Clone(s.LearningProgress)
	return out
}

// DefaultUser is the local identity used when no profile overrides it.
func DefaultUser() User {
	return User{
		ID:     "1",
		Name:   "Aloha Assistant",
		Status: PresenceActive,
		Avatar: "https://images.unsplash.com/photo-1535713875002-d1d0cf377fde?w=100&h=100&fit=crop",
	}
}

// DefaultRoster is the list of peers shown when no profile overrides it.
func DefaultRoster() []User {
	return []User{
		{ID: "1", Name: "AI Assistant", Status: PresenceActive, Avatar: "https://images.unsplash.com/photo-1535713875002-d1d0cf377fde?w=100&h=100&fit=crop"},
		{ID: "2", Name: "Math Tutor", Status: PresenceActive, Avatar: "https://images.unsplash.com/photo-1494790108377-be9c29b29330?w=100&h=100&fit=crop"},
		{ID: "3", Name: "Science Expert", Status: PresenceOffline, Avatar: "https://images.unsplash.com/photo-1599566150163-29194dcaad36?w=100&h=100&fit=crop"},
	}
}

// TrackedSubjects are the subjects that start with a learning progress record.
var TrackedSubjects = []Subject{SubjectMath, SubjectScience, SubjectLiterature}
