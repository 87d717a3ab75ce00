//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/aloha-tutor/internal/bus"
	"github.com/ashureev/aloha-tutor/internal/chat"
	"github.com/ashureev/aloha-tutor/internal/config"
	"github.com/ashureev/aloha-tutor/internal/domain"
)

type fakeCompleter struct{}

func (fakeCompleter) Complete(_ context.Context, prompt string, _ domain.Subject) (string, error) {
	return "answer to " + prompt, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	readErr error
	reads   []string
}

func (p *fakePublisher) SendMessage(context.Context, domain.Message) error { return nil }
func (p *fakePublisher) StartTyping(context.Context, string) error         { return nil }
func (p *fakePublisher) StopTyping(context.Context, string) error          { return nil }

func (p *fakePublisher) MarkRead(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, id)
	return p.readErr
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeChannel struct{ connected bool }

func (f fakeChannel) Connected() bool { return f.connected }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	bus     *bus.Bus
	store   *chat.Store
	ctrl    *chat.Controller
	pub     *fakePublisher
	handler *Handler
	router  http.Handler
}

func newAPIFixture(t *testing.T, cfg *config.Config, limiter *RateLimiter) *apiFixture {
	t.Helper()
	b := bus.New()
	store := chat.NewStore(chat.StoreOptions{Online: true, Bus: b, Logger: quietLogger()})
	pub := &fakePublisher{}
	ctrl := chat.NewController(chat.ControllerOptions{
		Store:      store,
		Publisher:  pub,
		Completer:  fakeCompleter{},
		TypingIdle: 10 * time.Millisecond,
		Logger:     quietLogger(),
	})
	t.Cleanup(ctrl.Close)
	if limiter != nil {
		t.Cleanup(limiter.Stop)
	}

	h := NewHandler(store, ctrl, b, limiter, cfg, quietLogger())
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &apiFixture{bus: b, store: store, ctrl: ctrl, pub: pub, handler: h, router: r}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestPostMessageAccepted(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/messages", `{"content":"What is 2+2? @bob","subject":"math"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	msg := decodeBody[domain.Message](t, w)
	if msg.Type != domain.KindQuestion || msg.Subject != domain.SubjectMath || len(msg.Mentions) != 1 {
		t.Fatalf("Unexpected message: %+v", msg)
	}

	waitFor(t, func() bool { return len(f.store.Snapshot().Messages) == 2 })
	st := f.store.Snapshot()
	if st.Messages[1].Content != "answer to What is 2+2? @bob" {
		t.Fatalf("Unexpected reply: %q", st.Messages[1].Content)
	}
}

func TestPostMessageRejected(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	if w := f.do(http.MethodPost, "/api/messages", `{"content":"   "}`); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for blank input, got %d", w.Code)
	}

	f.store.SetOnlineStatus(false)
	w := f.do(http.MethodPost, "/api/messages", `{"content":"hello"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 while offline, got %d", w.Code)
	}
	if body := decodeBody[map[string]string](t, w); body["error"] != chat.ErrOffline.Error() {
		t.Fatalf("Unexpected error body: %v", body)
	}
	if n := len(f.store.Snapshot().Messages); n != 0 {
		t.Fatalf("Expected no messages, got %d", n)
	}
}

func TestPostMessageBadBodies(t *testing.T) {
	cfg := &config.Config{SSE: config.SSEConfig{MaxRequestBodySize: 32}}
	f := newAPIFixture(t, cfg, nil)

	if w := f.do(http.MethodPost, "/api/messages", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	big := `{"content":"` + strings.Repeat("x", 64) + `"}`
	if w := f.do(http.MethodPost, "/api/messages", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413, got %d", w.Code)
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	f := newAPIFixture(t, nil, NewRateLimiter(1, time.Minute))

	if w := f.do(http.MethodPost, "/api/messages", `{"content":"first"}`); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/messages", `{"content":"second"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
}

func TestEditAndStatusEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	f.store.AddMessage(domain.Message{ID: "m1", Content: "old", Status: domain.StatusSent})

	if w := f.do(http.MethodPatch, "/api/messages/missing", `{"content":"x"}`); w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}

	w := f.do(http.MethodPatch, "/api/messages/m1", `{"content":"new"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if msg := decodeBody[domain.Message](t, w); msg.Content != "new" || !msg.IsEdited {
		t.Fatalf("Unexpected edited message: %+v", msg)
	}

	if w := f.do(http.MethodPut, "/api/messages/m1/status", `{"status":"lost"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown status, got %d", w.Code)
	}
	w = f.do(http.MethodPut, "/api/messages/m1/status", `{"status":"read"}`)
	if msg := decodeBody[domain.Message](t, w); msg.Status != domain.StatusRead {
		t.Fatalf("Expected read, got %q", msg.Status)
	}

	w = f.do(http.MethodPost, "/api/messages/m1/voice", `{"voiceUrl":"blob:1","voiceDuration":3}`)
	if msg := decodeBody[domain.Message](t, w); msg.VoiceURL != "blob:1" || msg.VoiceDuration != 3 {
		t.Fatalf("Unexpected voice attachment: %+v", msg)
	}
}

func TestMarkReadReportsDroppedReceipt(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/messages/p1/read", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if body := decodeBody[map[string]any](t, w); body["published"] != true {
		t.Fatalf("Expected published=true, got %v", body)
	}

	f.pub.mu.Lock()
	f.pub.readErr = errors.New("channel not connected")
	f.pub.mu.Unlock()

	w = f.do(http.MethodPost, "/api/messages/p2/read", "")
	if body := decodeBody[map[string]any](t, w); body["published"] != false {
		t.Fatalf("Expected published=false, got %v", body)
	}
}

func TestVoiceAndTyping(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	if w := f.do(http.MethodPost, "/api/voice", `{"voiceUrl":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	w := f.do(http.MethodPost, "/api/voice", `{"voiceUrl":"blob:v","voiceDuration":1.5}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if msg := decodeBody[domain.Message](t, w); msg.Content != chat.VoicePlaceholder || msg.VoiceURL != "blob:v" {
		t.Fatalf("Unexpected voice message: %+v", msg)
	}

	if w := f.do(http.MethodPost, "/api/typing", `{"draft":"Wh"}`); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	state := decodeBody[stateResponse](t, f.do(http.MethodGet, "/api/state", ""))
	if state.Draft != "Wh" || len(state.Messages) != 1 {
		t.Fatalf("Unexpected state: draft=%q messages=%d", state.Draft, len(state.Messages))
	}
}

func TestThemeEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/theme/toggle", "")
	if body := decodeBody[themeRequest](t, w); body.Theme != domain.ThemeDark {
		t.Fatalf("Expected dark, got %q", body.Theme)
	}
	if w := f.do(http.MethodPut, "/api/theme", `{"theme":"sepia"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	w = f.do(http.MethodPut, "/api/theme", `{"theme":"light"}`)
	if body := decodeBody[themeRequest](t, w); body.Theme != domain.ThemeLight {
		t.Fatalf("Expected light, got %q", body.Theme)
	}
}

func TestProgressAndConnectivity(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/progress", `{"subject":"science","correct":true}`)
	body := decodeBody[struct {
		Subject  domain.Subject          `json:"subject"`
		Tracked  bool                    `json:"tracked"`
		Progress domain.LearningProgress `json:"progress"`
	}](t, w)
	if body.Subject != domain.SubjectScience || !body.Tracked || body.Progress.QuestionsAnswered != 1 || body.Progress.Accuracy != 1 {
		t.Fatalf("Unexpected progress: %+v", body)
	}

	w = f.do(http.MethodPost, "/api/connectivity", `{"online":false}`)
	if got := decodeBody[connectivityRequest](t, w); got.Online {
		t.Fatal("Expected offline")
	}
	if f.store.IsOnline() {
		t.Fatal("Store must be offline")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		channel    ChannelStatus
		ai         bool
		wantCode   int
		wantStatus string
	}{
		{name: "healthy", channel: fakeChannel{connected: true}, ai: true, wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "channel down", channel: fakeChannel{}, ai: true, wantCode: http.StatusOK, wantStatus: "degraded"},
		{name: "no api key", ai: false, wantCode: http.StatusOK, wantStatus: "degraded"},
		{name: "database down", pingErr: errors.New("closed"), ai: true, wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(fakePinger{err: tt.pingErr}, tt.channel, tt.ai).RegisterHealth(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if w.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			body := decodeBody[map[string]any](t, w)
			if body["status"] != tt.wantStatus {
				t.Fatalf("Expected status %q, got %v", tt.wantStatus, body["status"])
			}
		})
	}
}

func TestStreamDeliversStoreEvents(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	server := httptest.NewServer(f.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	expectEvent := func(name string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("Stream closed before %s", name)
				}
				if line != "event: "+name {
					continue
				}
				data := <-lines
				return strings.TrimPrefix(data, "data: ")
			case <-timeout:
				t.Fatalf("Timed out waiting for %s", name)
			}
		}
	}

	expectEvent("connected")
	f.store.ToggleTheme()
	data := expectEvent(bus.KindTheme)

	var evt struct {
		Kind    string           `json:"kind"`
		Payload domain.Theme     `json:"payload"`
		State   domain.ChatState `json:"state"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if evt.Payload != domain.ThemeDark || evt.State.Theme != domain.ThemeDark {
		t.Fatalf("Unexpected theme event: %+v", evt)
	}
}
