package grid

import (
	"sync"
	"time"
)

// Debouncer is the scheduling policy behind batched change notifications:
// each Trigger restarts the quiet window, and fn runs once after a full
// window passes with no further triggers. Stop cancels any pending fire
// permanently.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
}

func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Debouncer{window: window, fn: fn}
}

func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Trigger restarts the quiet window. A no-op after Stop.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.window)
		return
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop cancels the pending fire, if any, and prevents all future fires.
// Safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
