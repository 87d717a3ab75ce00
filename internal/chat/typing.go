package chat

import (
	"sync"
	"time"
)

// typingDebouncer reports "typing started" on every touch and "typing
// stopped" once no touch happened for idle. It belongs to one controller.
type typingDebouncer struct {
	mu    sync.Mutex
	idle  time.Duration
	timer *time.Timer
	seq   uint64
	start func()
	stop  func()
}

func newTypingDebouncer(idle time.Duration, start, stop func()) *typingDebouncer {
	return &typingDebouncer{idle: idle, start: start, stop: stop}
}

// Touch signals activity and re-arms the idle timer.
func (d *typingDebouncer) Touch() {
	d.start()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.idle, func() {
		d.mu.Lock()
		current := d.seq == seq
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		// A timer that was replaced or cancelled after firing must stay silent.
		if current {
			d.stop()
		}
	})
}

// Pending reports whether a stop is scheduled.
func (d *typingDebouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Flush cancels any scheduled stop and reports "typing stopped" immediately.
func (d *typingDebouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.mu.Unlock()

	d.stop()
}
