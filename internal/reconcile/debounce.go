package reconcile

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into a single call of fn.
//
// fn runs once the window has passed without another Trigger. When maxWait
// is positive a continuous burst still fires at least every maxWait, so a
// steady stream cannot starve the consumer. fn never runs concurrently with
// itself.
type Debouncer struct {
	window  time.Duration
	maxWait time.Duration
	fn      func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	first   time.Time
	stopped bool

	runMu sync.Mutex
}

// NewDebouncer creates a debouncer that calls fn after window of quiet.
func NewDebouncer(window, maxWait time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		window:  window,
		maxWait: maxWait,
		fn:      fn,
	}
}

// Trigger schedules fn, pushing back any pending call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if !d.pending {
		d.pending = true
		d.first = now
	}

	wait := d.window
	if d.maxWait > 0 {
		if remaining := d.maxWait - now.Sub(d.first); remaining < wait {
			wait = max(remaining, 0)
		}
	}

	if d.timer == nil {
		d.timer = time.AfterFunc(wait, d.fire)
		return
	}
	d.timer.Reset(wait)
}

// Flush runs a pending call immediately.
func (d *Debouncer) Flush() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if !d.take() {
		return
	}
	d.fn()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop drops any pending call and disables further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) fire() {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if !d.take() {
		return
	}
	d.fn()
}

func (d *Debouncer) take() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending || d.stopped {
		return false
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	return true
}
