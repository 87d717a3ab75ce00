package bus

import "time"

// Event kinds published by the chat store and the channel adapter.
const (
	KindMessageAdded     = "chat.message_added"
	KindAiTyping         = "chat.ai_typing"
	KindTheme            = "chat.theme"
	KindMessageStatus    = "chat.message_status"
	KindMessageEdited    = "chat.message_edited"
	KindOnline           = "chat.online"
	KindLearningProgress = "chat.learning_progress"
	KindVoiceAttached    = "chat.voice_attached"
	KindPeerTyping       = "presence.user_typing"
)

// Event is a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
	// Seq numbers the publisher's events from 1; zero means unnumbered.
	// A subscriber that sees Seq skip knows its buffer dropped events.
	Seq uint64
	// State is the publisher's state right after the transition, if attached.
	State any
}
