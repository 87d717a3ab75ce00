package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

// ErrNotConnected is returned by emits while no connection is open.
// The event is dropped.
var ErrNotConnected = errors.New("channel not connected")

// UserHeader carries the local user id on the upgrade request.
const UserHeader = "X-Aloha-User"

// Dispatcher receives the store transitions triggered by inbound events.
type Dispatcher interface {
	SetOnlineStatus(online bool)
	UpdateMessageStatus(id string, status domain.Status)
	AddMessage(msg domain.Message)
}

// Options configures an Adapter.
type Options struct {
	URL               string
	UserID            string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration       // zero disables pings
	OnPeerTyping      func(peerID string) // optional
	Logger            *slog.Logger
}

// Adapter is the websocket client side of the realtime channel.
type Adapter struct {
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a disconnected adapter.
func New(dispatcher Dispatcher, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Adapter{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     opts.Logger,
		done:       make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop. When the first dial
// fails the error is returned and reconnection continues in the background.
// Connect may be called once.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("channel already started")
	}
	a.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err == nil {
		a.attach(conn)
	}
	go a.run(runCtx, conn)
	return err
}

// Disconnect closes the connection and stops reconnection.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	cancel := a.cancel
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	cancel()
	<-a.done

	if err != nil && websocket.CloseStatus(err) == -1 {
		a.logger.Debug("Channel close error", "error", err)
	}
}

// Done is closed once the adapter has stopped for good, either after
// Disconnect or when reconnection gave up.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Connected reports whether a connection is currently open.
func (a *Adapter) Connected() bool {
	return a.current() != nil
}

// SendMessage emits send_message.
func (a *Adapter) SendMessage(ctx context.Context, msg domain.Message) error {
	return a.emit(ctx, EventSendMessage, msg)
}

// StartTyping emits typing_start.
func (a *Adapter) StartTyping(ctx context.Context, userID string) error {
	return a.emit(ctx, EventTypingStart, userID)
}

// StopTyping emits typing_stop.
func (a *Adapter) StopTyping(ctx context.Context, userID string) error {
	return a.emit(ctx, EventTypingStop, userID)
}

// MarkRead emits mark_read.
func (a *Adapter) MarkRead(ctx context.Context, messageID string) error {
	return a.emit(ctx, EventMarkRead, messageID)
}

// Ping emits ping. The relay answers with pong.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.emit(ctx, EventPing, nil)
}

func (a *Adapter) emit(ctx context.Context, eventType string, payload any) error {
	conn := a.current()
	if conn == nil {
		a.logger.Debug("Dropping event while disconnected", "event", eventType)
		return ErrNotConnected
	}

	frame, err := Encode(eventType, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := a.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if a.opts.UserID != "" {
		header.Set(UserHeader, a.opts.UserID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}
	return conn, nil
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if a.opts.UserID != "" {
		q := u.Query()
		q.Set("user_id", a.opts.UserID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// attach publishes conn and applies the connect transition.
func (a *Adapter) attach(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info("Channel connected", "url", a.opts.URL)
	a.dispatcher.SetOnlineStatus(true)
}

func (a *Adapter) detach() {
	a.mu.Lock()
	a.conn = nil
	a.mu.Unlock()
}

func (a *Adapter) run(ctx context.Context, conn *websocket.Conn) {
	defer close(a.done)

	for {
		if conn != nil {
			stopKeepalive := a.startKeepalive(ctx)
			err := a.readLoop(ctx, conn)
			stopKeepalive()
			a.detach()
			a.dispatcher.SetOnlineStatus(false)
			if ctx.Err() != nil {
				a.logger.Info("Channel disconnected")
				return
			}
			a.logger.Warn("Channel connection lost", "error", err)
		}

		conn = a.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// startKeepalive pings the relay every KeepaliveInterval until the
// returned stop func is called.
func (a *Adapter) startKeepalive(ctx context.Context) (stop func()) {
	if a.opts.KeepaliveInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.opts.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Ping(ctx); err != nil && ctx.Err() == nil {
					a.logger.Debug("Channel ping failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reconnect retries with a fixed delay. It returns nil when attempts are
// exhausted or ctx ends.
func (a *Adapter) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.opts.ReconnectDelay):
		}

		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("Channel reconnect failed", "attempt", attempt, "max_attempts", a.opts.ReconnectAttempts, "error", err)
			continue
		}
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil
		}
		a.attach(conn)
		return conn
	}
	if ctx.Err() == nil {
		a.logger.Error("Channel reconnection gave up", "attempts", a.opts.ReconnectAttempts)
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		a.handle(frame)
	}
}

// handle applies one inbound frame. Malformed frames are logged and skipped.
func (a *Adapter) handle(frame []byte) {
	env, err := Decode(frame)
	if err != nil {
		a.logger.Warn("Ignoring malformed frame", "error", err)
		return
	}

	switch env.Type {
	case EventMessageDelivered, EventMessageRead:
		var id string
		if err := env.DecodeData(&id); err != nil {
			a.logger.Warn("Ignoring malformed status event", "error", err)
			return
		}
		status := domain.StatusDelivered
		if env.Type == EventMessageRead {
			status = domain.StatusRead
		}
		a.dispatcher.UpdateMessageStatus(id, status)
	case EventNewMessage:
		var msg domain.Message
		if err := env.DecodeData(&msg); err != nil {
			a.logger.Warn("Ignoring malformed message", "error", err)
			return
		}
		a.dispatcher.AddMessage(msg)
	case EventUserTyping:
		var peerID string
		if err := env.DecodeData(&peerID); err != nil {
			a.logger.Warn("Ignoring malformed typing event", "error", err)
			return
		}
		if a.opts.OnPeerTyping != nil {
			a.opts.OnPeerTyping(peerID)
		}
	case EventPong:
		a.logger.Debug("Channel pong")
	default:
		a.logger.Debug("Ignoring unknown event", "event", env.Type)
	}
}
