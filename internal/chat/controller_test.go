package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/domain"
)

type recordingPublisher struct {
	mu       sync.Mutex
	sent     []domain.Message
	starts   int
	stops    int
	readIDs  []string
	typingBy []string
}

func (p *recordingPublisher) SendMessage(_ context.Context, msg domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPublisher) StartTyping(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.typingBy = append(p.typingBy, userID)
	return nil
}

func (p *recordingPublisher) StopTyping(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *recordingPublisher) MarkRead(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readIDs = append(p.readIDs, id)
	return nil
}

func (p *recordingPublisher) sentMessages() []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message(nil), p.sent...)
}

func (p *recordingPublisher) typingCounts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

// scriptedCompleter answers each prompt through reply. When gate is set,
// every call blocks until a value arrives for its prompt or ctx ends.
type scriptedCompleter struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
	gates   map[string]chan struct{}
}

func (c *scriptedCompleter) Complete(ctx context.Context, prompt string, _ domain.Subject) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	gate := c.gates[prompt]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.reply(prompt)
}

func (c *scriptedCompleter) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

type controllerFixture struct {
	store *Store
	pub   *recordingPublisher
	comp  *scriptedCompleter
	ctrl  *Controller
}

func newControllerFixture(t *testing.T, online bool, reply func(string) (string, error)) *controllerFixture {
	t.Helper()
	store := newTestStore(t, StoreOptions{Online: online})
	pub := &recordingPublisher{}
	comp := &scriptedCompleter{reply: reply, gates: map[string]chan struct{}{}}

	var n int
	var idMu sync.Mutex
	ctrl := NewController(ControllerOptions{
		Store:      store,
		Publisher:  pub,
		Completer:  comp,
		TypingIdle: 20 * time.Millisecond,
		Logger:     quietLogger(),
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("msg-%d", n)
		},
	})
	t.Cleanup(ctrl.Close)
	return &controllerFixture{store: store, pub: pub, comp: comp, ctrl: ctrl}
}

func waitSubmission(t *testing.T, sub *Submission) (domain.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("timed out waiting for submission")
	}
	return msg, err
}

func TestSubmitQuestionWithMention(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) { return "4", nil })
	f.ctrl.InputChanged("What is 2+2? @bob")

	sub, err := f.ctrl.Submit(context.Background(), "What is 2+2? @bob", domain.SubjectMath)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	user := sub.UserMessage
	if user.Content != "What is 2+2? @bob" || user.Sender != domain.SenderUser || user.Status != domain.StatusSent {
		t.Fatalf("unexpected user message: %+v", user)
	}
	if user.Type != domain.KindQuestion || user.Subject != domain.SubjectMath {
		t.Fatalf("expected math question, got type=%q subject=%q", user.Type, user.Subject)
	}
	if len(user.Mentions) != 1 || user.Mentions[0] != "bob" {
		t.Fatalf("expected mentions [bob], got %v", user.Mentions)
	}
	if f.ctrl.Draft() != "" {
		t.Fatalf("expected draft cleared, got %q", f.ctrl.Draft())
	}

	reply, err := waitSubmission(t, sub)
	if err != nil {
		t.Fatalf("unexpected completion error: %v", err)
	}
	if reply.Content != "4" || reply.Sender != domain.SenderAI || reply.Status != domain.StatusDelivered || reply.Type != domain.KindExplanation || reply.Subject != domain.SubjectMath {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	st := f.store.Snapshot()
	if len(st.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(st.Messages))
	}
	if st.IsAiTyping {
		t.Fatal("expected isAiTyping false after reply")
	}
	if st.CurrentSubject != domain.SubjectMath {
		t.Fatalf("expected current subject math, got %q", st.CurrentSubject)
	}

	sent := f.pub.sentMessages()
	if len(sent) != 2 || sent[0].ID != user.ID || sent[1].ID != reply.ID {
		t.Fatalf("expected user then assistant published, got %+v", sent)
	}
}

func TestSubmitPassesUntrimmedPrompt(t *testing.T) {
	f := newControllerFixture(t, true, func(p string) (string, error) { return "ok", nil })

	sub, err := f.ctrl.Submit(context.Background(), "  explain photosynthesis  ", domain.SubjectScience)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitSubmission(t, sub)

	if sub.UserMessage.Content != "explain photosynthesis" {
		t.Fatalf("expected trimmed content, got %q", sub.UserMessage.Content)
	}
	if got := f.comp.seen(); len(got) != 1 || got[0] != "  explain photosynthesis  " {
		t.Fatalf("expected raw prompt, got %q", got)
	}
}

func TestSubmitRejected(t *testing.T) {
	tests := []struct {
		name   string
		online bool
		input  string
		want   error
	}{
		{name: "empty", online: true, input: "", want: ErrEmptyMessage},
		{name: "whitespace", online: true, input: " \n\t ", want: ErrEmptyMessage},
		{name: "offline", online: false, input: "What is 2+2?", want: ErrOffline},
		{name: "too long", online: true, input: strings.Repeat("a", 501), want: ErrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t, tt.online, func(string) (string, error) { return "x", nil })

			sub, err := f.ctrl.Submit(context.Background(), tt.input, domain.SubjectGeneral)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if sub != nil {
				t.Fatal("rejected submission must return nil")
			}
			st := f.store.Snapshot()
			if len(st.Messages) != 0 || st.IsAiTyping {
				t.Fatalf("rejected submission changed state: %+v", st)
			}
			if len(f.pub.sentMessages()) != 0 {
				t.Fatal("rejected submission must not emit")
			}
			if starts, stops := f.pub.typingCounts(); starts != 0 || stops != 0 {
				t.Fatalf("rejected submission emitted typing: starts=%d stops=%d", starts, stops)
			}
			if len(f.comp.seen()) != 0 {
				t.Fatal("rejected submission must not call the completion service")
			}
		})
	}
}

func TestSubmitExactlyMaxChars(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) { return "x", nil })
	sub, err := f.ctrl.Submit(context.Background(), strings.Repeat("é", 500), domain.SubjectGeneral)
	if err != nil {
		t.Fatalf("500 characters must be accepted: %v", err)
	}
	waitSubmission(t, sub)
}

func TestSubmitCompletionFailure(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) {
		return "", errors.New("missing credential")
	})

	sub, err := f.ctrl.Submit(context.Background(), "Tell me about cells", domain.SubjectScience)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	reply, err := waitSubmission(t, sub)
	if err == nil {
		t.Fatal("expected completion error")
	}
	if reply.Content != ApologyText || reply.Sender != domain.SenderAI {
		t.Fatalf("expected apology, got %+v", reply)
	}

	st := f.store.Snapshot()
	if len(st.Messages) != 2 || st.Messages[1].Content != ApologyText {
		t.Fatalf("expected user message followed by one apology, got %+v", st.Messages)
	}
	if st.IsAiTyping {
		t.Fatal("expected isAiTyping false after failure")
	}
	if got := f.ctrl.Banner(); got != "API key not configured. Please add a valid Gemini API key to the .env file." {
		t.Fatalf("expected missing key banner, got %q", got)
	}

	sent := f.pub.sentMessages()
	if len(sent) != 1 || sent[0].ID != sub.UserMessage.ID {
		t.Fatalf("apology must not be published, got %+v", sent)
	}
}

func TestSubmitClearsBanner(t *testing.T) {
	fail := true
	var mu sync.Mutex
	f := newControllerFixture(t, true, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("boom")
		}
		return "fine", nil
	})

	sub, _ := f.ctrl.Submit(context.Background(), "first", domain.SubjectGeneral)
	waitSubmission(t, sub)
	if f.ctrl.Banner() == "" {
		t.Fatal("expected banner after failure")
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	sub, _ = f.ctrl.Submit(context.Background(), "second", domain.SubjectGeneral)
	if f.ctrl.Banner() != "" {
		t.Fatalf("expected banner cleared on submit, got %q", f.ctrl.Banner())
	}
	waitSubmission(t, sub)
}

func TestTypingNeverClearsWithReplyOutstanding(t *testing.T) {
	b := bus.New()
	events, unsubscribe := b.Subscribe("chat.", 4096)
	defer unsubscribe()

	store := newTestStore(t, StoreOptions{Online: true, Bus: b})
	ctrl := NewController(ControllerOptions{
		Store:     store,
		Publisher: &recordingPublisher{},
		Completer: &scriptedCompleter{reply: func(p string) (string, error) { return "re: " + p, nil }},
		Logger:    quietLogger(),
	})
	t.Cleanup(ctrl.Close)

	const submitters, rounds = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, submitters*rounds)
	for w := 0; w < submitters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				sub, err := ctrl.Submit(context.Background(), fmt.Sprintf("question %d-%d", w, i), domain.SubjectGeneral)
				if err != nil {
					errs <- err
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, err = sub.Wait(ctx)
				cancel()
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submission failed: %v", err)
	}

	// Every transition is already buffered once the last Wait returns.
	outstanding, lastTyping, seen := 0, true, 0
	for drained := false; !drained; {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindMessageAdded:
				if evt.Payload.(domain.Message).Sender == domain.SenderUser {
					outstanding++
				} else {
					outstanding--
				}
			case bus.KindAiTyping:
				lastTyping = evt.Payload.(bool)
				seen++
				if !lastTyping && outstanding != 0 {
					t.Fatalf("typing cleared with %d replies outstanding", outstanding)
				}
			}
		default:
			drained = true
		}
	}
	if seen == 0 || lastTyping || store.Snapshot().IsAiTyping {
		t.Fatalf("expected typing to end cleared, last=%v seen=%d", lastTyping, seen)
	}
	if outstanding != 0 {
		t.Fatalf("expected every question answered, %d outstanding", outstanding)
	}
}

func TestConcurrentSubmissionsKeepTypingUntilLastReply(t *testing.T) {
	f := newControllerFixture(t, true, func(p string) (string, error) { return "re: " + p, nil })
	slow := make(chan struct{})
	f.comp.gates["slow question"] = slow

	first, err := f.ctrl.Submit(context.Background(), "slow question", domain.SubjectGeneral)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.ctrl.Submit(context.Background(), "quick question", domain.SubjectGeneral)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	waitSubmission(t, second)
	if !f.store.Snapshot().IsAiTyping {
		t.Fatal("typing must stay on while an earlier request is pending")
	}

	close(slow)
	waitSubmission(t, first)
	st := f.store.Snapshot()
	if st.IsAiTyping {
		t.Fatal("typing must clear once all requests finished")
	}
	if len(st.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(st.Messages))
	}
	if st.Messages[3].Content != "re: slow question" {
		t.Fatalf("expected slow reply last, got %q", st.Messages[3].Content)
	}
}

func TestInputChangedDebouncesTyping(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) { return "x", nil })

	f.ctrl.InputChanged("W")
	f.ctrl.InputChanged("Wh")
	f.ctrl.InputChanged("Wha")
	if f.ctrl.Draft() != "Wha" {
		t.Fatalf("expected draft recorded, got %q", f.ctrl.Draft())
	}

	deadline := time.Now().Add(time.Second)
	for {
		starts, stops := f.pub.typingCounts()
		if stops == 1 {
			if starts != 3 {
				t.Fatalf("expected a start per keystroke, got %d", starts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one stop after idle, got starts=%d stops=%d", starts, stops)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.pub.typingBy[0] != "1" {
		t.Fatalf("expected typing reported for local user, got %q", f.pub.typingBy[0])
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	store := newTestStore(t, StoreOptions{Online: true})
	pub := &recordingPublisher{}
	comp := &scriptedCompleter{
		reply: func(string) (string, error) { return "late", nil },
		gates: map[string]chan struct{}{"never": make(chan struct{})},
	}
	ctrl := NewController(ControllerOptions{Store: store, Publisher: pub, Completer: comp, Logger: quietLogger()})

	ctrl.InputChanged("never")
	sub, err := ctrl.Submit(context.Background(), "never", domain.SubjectGeneral)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctrl.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("Close must wait for in-flight completions")
	}
	st := store.Snapshot()
	if len(st.Messages) != 1 {
		t.Fatalf("no reply may be recorded after close, got %d messages", len(st.Messages))
	}
	if st.IsAiTyping {
		t.Fatal("typing must be cleared after close")
	}
	if _, stops := pub.typingCounts(); stops != 1 {
		t.Fatalf("expected typing stop on close, got %d", stops)
	}
	if _, err := ctrl.Submit(context.Background(), "again", domain.SubjectGeneral); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecordVoice(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) { return "x", nil })

	if _, err := f.ctrl.RecordVoice("", 2); !errors.Is(err, ErrEmptyVoice) {
		t.Fatalf("expected ErrEmptyVoice, got %v", err)
	}

	msg, err := f.ctrl.RecordVoice("blob:abc", 2.5)
	if err != nil {
		t.Fatalf("RecordVoice failed: %v", err)
	}
	stored, ok := f.store.Message(msg.ID)
	if !ok {
		t.Fatal("voice message not stored")
	}
	if stored.Content != VoicePlaceholder || stored.VoiceURL != "blob:abc" || stored.VoiceDuration != 2.5 {
		t.Fatalf("unexpected voice message: %+v", stored)
	}
	if len(f.pub.sentMessages()) != 0 {
		t.Fatal("voice messages are not published")
	}
}

func TestMarkReadDelegates(t *testing.T) {
	f := newControllerFixture(t, true, func(string) (string, error) { return "x", nil })
	if err := f.ctrl.MarkRead(context.Background(), "msg-9"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(f.pub.readIDs) != 1 || f.pub.readIDs[0] != "msg-9" {
		t.Fatalf("expected mark_read for msg-9, got %v", f.pub.readIDs)
	}
}
