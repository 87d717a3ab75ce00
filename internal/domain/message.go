// Package domain contains core domain types for the tutor chat.
package domain

import (
	"slices"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusOrder = []Status{StatusSent, StatusDelivered, StatusRead}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(statusOrder, s)
}

// Rank returns the position of s in the sent -> delivered -> read lifecycle,
// or -1 for an unknown status.
func (s Status) Rank() int {
	return slices.Index(statusOrder, s)
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s Status) Before(other Status) bool {
	return s.Valid() && other.Valid() && s.Rank() < other.Rank()
}

// Subject is the topical tag of a message.
type Subject string

const (
	SubjectMath       Subject = "math"
	SubjectScience    Subject = "science"
	SubjectLiterature Subject = "literature"
	SubjectGeneral    Subject = "general"
)

// Subjects lists every known subject in display order.
var Subjects = []Subject{SubjectMath, SubjectScience, SubjectLiterature, SubjectGeneral}

// Valid reports whether s is a known subject.
func (s Subject) Valid() bool {
	return slices.Contains(Subjects, s)
}

// ParseSubject returns the subject named by v, falling back to general.
func ParseSubject(v string) Subject {
	s := Subject(v)
	if s.Valid() {
		return s
	}
	return SubjectGeneral
}

// Kind classifies the pedagogical role of a message.
type Kind string

const (
	KindQuestion    Kind = "question"
	KindExplanation Kind = "explanation"
	KindExample     Kind = "example"
	KindCorrection  Kind = "correction"
)

// Message is a single chat entry. The JSON shape matches the realtime wire format.
type Message struct {
	ID            string   `json:"id"`
	Content       string   `json:"content"`
	Sender        Sender   `json:"sender"`
	Timestamp     int64    `json:"timestamp"`
	Status        Status   `json:"status"`
	IsEdited      bool     `json:"isEdited,omitempty"`
	Mentions      []string `json:"mentions,omitempty"`
	VoiceURL      string   `json:"voiceUrl,omitempty"`
	VoiceDuration float64  `json:"voiceDuration,omitempty"`
	Type          Kind     `json:"type,omitempty"`
	Subject       Subject  `json:"subject,omitempty"`
}

// CreatedAt returns the creation time encoded in Timestamp.
func (m *Message) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// HasVoice returns true if a voice attachment is present.
func (m *Message) HasVoice() bool {
	return m.VoiceURL != ""
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Mentions = slices.Clone(m.Mentions)
	return m
}
