package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/aloha-tutor/internal/completion"
	"github.com/ashureev/aloha-tutor/internal/domain"
)

var (
	// ErrEmptyMessage rejects input that is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrOffline rejects submissions while the chat is offline.
	ErrOffline = errors.New("chat is offline")
	// ErrTooLong rejects input longer than the configured limit.
	ErrTooLong = errors.New("message is too long")
	// ErrEmptyVoice rejects a voice note without a recording URL.
	ErrEmptyVoice = errors.New("voice recording url is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

const (
	// ApologyText is the assistant reply used when no completion could be produced.
	ApologyText = "I apologize, but I'm having trouble generating a response right now. Please check if the API key is properly configured."
	// CompletionErrorBanner is the user-visible error shown after a failed completion.
	CompletionErrorBanner = "API key not configured. Please add a valid Gemini API key to the .env file."
	// VoicePlaceholder is the content of a recorded voice message.
	VoicePlaceholder = "🎤 Voice message"

	defaultTypingIdle = time.Second
	defaultMaxChars   = 500
	publishTimeout    = 5 * time.Second
)

// Publisher emits chat events on the realtime channel.
type Publisher interface {
	SendMessage(ctx context.Context, msg domain.Message) error
	StartTyping(ctx context.Context, userID string) error
	StopTyping(ctx context.Context, userID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Store      *Store
	Publisher  Publisher
	Completer  completion.Completer
	TypingIdle time.Duration
	MaxChars   int
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Controller runs the send flow: validate, record the user message, publish
// it, ask the completion service, and record the assistant reply.
type Controller struct {
	store     *Store
	pub       Publisher
	completer completion.Completer
	maxChars  int
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	typing *typingDebouncer

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	draft   string
	banner  string
	pending int
	closed  bool
}

// NewController creates a controller bound to one store.
func NewController(opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newMessageID
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = defaultTypingIdle
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultMaxChars
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     opts.Store,
		pub:       opts.Publisher,
		completer: opts.Completer,
		maxChars:  opts.MaxChars,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.typing = newTypingDebouncer(opts.TypingIdle, c.emitTypingStart, c.emitTypingStop)
	return c
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Submission is an accepted message whose reply may still be pending.
type Submission struct {
	UserMessage domain.Message

	done  chan struct{}
	reply domain.Message
	err   error
}

// Done is closed once the assistant reply (or apology) has been recorded.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the submission resolves. It returns the recorded
// assistant message and the completion error, if any.
func (s *Submission) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	case <-s.done:
		return s.reply, s.err
	}
}

// Submit validates input and, when accepted, records and publishes the user
// message, then requests a reply in the background. A rejected submission
// changes nothing and emits nothing.
func (c *Controller) Submit(ctx context.Context, input string, subject domain.Subject) (*Submission, error) {
	if err := c.validate(input); err != nil {
		return nil, err
	}
	if !subject.Valid() {
		subject = domain.SubjectGeneral
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.banner = ""
	c.draft = ""
	c.pending++
	c.wg.Add(1)
	c.mu.Unlock()

	userMsg := domain.Message{
		ID:        c.newID(),
		Content:   strings.TrimSpace(input),
		Sender:    domain.SenderUser,
		Timestamp: c.now().UnixMilli(),
		Status:    domain.StatusSent,
		Mentions:  ExtractMentions(input),
		Type:      ClassifyKind(input),
		Subject:   subject,
	}
	c.store.AddMessage(userMsg)
	c.publish(ctx, userMsg)

	c.logger.Info("Message submitted",
		"message_id", userMsg.ID,
		"subject", subject,
		"type", userMsg.Type,
		"mentions", len(userMsg.Mentions),
		"message_length", len(input),
	)

	// Raised under c.mu so a finishing request cannot clear it in between.
	c.mu.Lock()
	c.store.SetAiTyping(true)
	c.mu.Unlock()

	sub := &Submission{UserMessage: userMsg, done: make(chan struct{})}
	go c.resolve(sub, input, subject)
	return sub, nil
}

func (c *Controller) validate(input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyMessage
	}
	if !c.store.IsOnline() {
		return ErrOffline
	}
	if utf8.RuneCountInString(input) > c.maxChars {
		return ErrTooLong
	}
	return nil
}

// resolve requests the completion with the untrimmed input and records the outcome.
func (c *Controller) resolve(sub *Submission, prompt string, subject domain.Subject) {
	defer c.wg.Done()
	defer close(sub.done)
	defer c.finishPending()

	text, err := c.completer.Complete(c.ctx, prompt, subject)
	if err != nil && c.ctx.Err() != nil {
		// Controller torn down mid-request; nobody is left to read a reply.
		c.logger.Info("Completion abandoned on close", "message_id", sub.UserMessage.ID)
		sub.err = err
		return
	}

	reply := domain.Message{
		ID:        c.newID(),
		Sender:    domain.SenderAI,
		Timestamp: c.now().UnixMilli(),
		Status:    domain.StatusDelivered,
		Type:      domain.KindExplanation,
		Subject:   subject,
	}

	if err != nil {
		c.logger.Error("Error getting AI response", "message_id", sub.UserMessage.ID, "error", err)
		c.mu.Lock()
		c.banner = CompletionErrorBanner
		c.mu.Unlock()

		reply.Content = ApologyText
		c.store.AddMessage(reply)
		sub.reply, sub.err = reply, err
		return
	}

	reply.Content = text
	c.store.AddMessage(reply)
	c.publish(c.ctx, reply)
	sub.reply = reply
}

// finishPending clears the typing flag once no request is outstanding, so a
// slow earlier request cannot hide the indicator of a newer one. The flag
// changes under c.mu; the store never calls back into the controller.
func (c *Controller) finishPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 {
		c.store.SetAiTyping(false)
	}
}

func (c *Controller) publish(ctx context.Context, msg domain.Message) {
	if c.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.pub.SendMessage(ctx, msg); err != nil {
		c.logger.Warn("Failed to publish message", "message_id", msg.ID, "sender", msg.Sender, "error", err)
	}
}

// InputChanged records the draft and reports typing activity. A stop event
// follows once the input has been idle for the configured period.
func (c *Controller) InputChanged(draft string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.draft = draft
	c.mu.Unlock()

	c.typing.Touch()
}

// Draft returns the current input buffer.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Banner returns the error shown to the user after a failed completion.
func (c *Controller) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// RecordVoice appends a voice message placeholder and attaches the recording.
// Voice messages are local only.
func (c *Controller) RecordVoice(voiceURL string, duration float64) (domain.Message, error) {
	if strings.TrimSpace(voiceURL) == "" {
		return domain.Message{}, ErrEmptyVoice
	}

	msg := domain.Message{
		ID:        c.newID(),
		Content:   VoicePlaceholder,
		Sender:    domain.SenderUser,
		Timestamp: c.now().UnixMilli(),
		Status:    domain.StatusSent,
	}
	c.store.AddMessage(msg)
	c.store.AddVoiceMessage(msg.ID, voiceURL, duration)

	msg.VoiceURL = voiceURL
	msg.VoiceDuration = duration
	return msg, nil
}

// MarkRead tells the channel that the user has read messageID.
func (c *Controller) MarkRead(ctx context.Context, messageID string) error {
	if c.pub == nil {
		return nil
	}
	return c.pub.MarkRead(ctx, messageID)
}

// Close reports "typing stopped", cancels the idle timer and any in-flight
// completion, and waits for them to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.typing.Flush()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) emitTypingStart() {
	c.emitTyping(true)
}

func (c *Controller) emitTypingStop() {
	c.emitTyping(false)
}

func (c *Controller) emitTyping(started bool) {
	if c.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	userID := c.store.User().ID
	var err error
	if started {
		err = c.pub.StartTyping(ctx, userID)
	} else {
		err = c.pub.StopTyping(ctx, userID)
	}
	if err != nil {
		c.logger.Debug("Failed to publish typing signal", "started", started, "error", err)
	}
}
