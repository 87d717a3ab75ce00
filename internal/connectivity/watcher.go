// Package connectivity turns a periodic network probe into online/offline
// transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// StatusSetter receives connectivity changes.
type StatusSetter interface {
	SetOnlineStatus(online bool)
}

// DialFunc opens a connection; it matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Watcher probes a TCP address and reports only changes in reachability.
type Watcher struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *slog.Logger

	mu    sync.Mutex
	known bool
	last  bool
}

// NewWatcher creates a watcher for addr (host:port).
func NewWatcher(addr string, interval, timeout time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Watcher{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
		logger:   logger,
	}
}

// WithDialer replaces the dial function. Used by tests.
func (w *Watcher) WithDialer(dial DialFunc) *Watcher {
	w.dial = dial
	return w
}

// Probe reports whether addr accepted a TCP connection within the timeout.
func (w *Watcher) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	conn, err := w.dial(ctx, "tcp", w.addr)
	if err != nil {
		w.logger.Debug("Connectivity probe failed", "addr", w.addr, "error", err)
		return false
	}
	_ = conn.Close()
	return true
}

// Seed records the state the target already holds so the first probe only
// reports a change.
func (w *Watcher) Seed(online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known, w.last = true, online
}

// observe records online and reports whether it differs from the last value.
func (w *Watcher) observe(online bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := !w.known || w.last != online
	w.known, w.last = true, online
	return changed
}

// Check probes once and forwards a change to target.
func (w *Watcher) Check(ctx context.Context, target StatusSetter) {
	online := w.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if w.observe(online) {
		w.logger.Info("Connectivity changed", "addr", w.addr, "online", online)
		target.SetOnlineStatus(online)
	}
}

// Run probes every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, target StatusSetter) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx, target)
		}
	}
}
