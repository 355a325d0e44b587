// ABOUTME: Collapses bursts of calls into one delayed call carrying the last value
// ABOUTME: Used to batch aggregate refetches after a flurry of change-feed events

package fetch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer delays the callback by window after the most recent Add. Rapid
// Adds collapse into one call with the last value.
type Debouncer[T any] struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	timer    clockwork.Timer
	pending  bool
	last     T
	window   time.Duration
	callback func(T)
	stopped  bool
}

// NewDebouncer creates a debouncer with the given window and callback.
// Pass nil clock for the real clock.
func NewDebouncer[T any](window time.Duration, callback func(T), clock clockwork.Clock) *Debouncer[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer[T]{
		clock:    clock,
		window:   window,
		callback: callback,
	}
}

// Add records v and restarts the window.
func (d *Debouncer[T]) Add(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.last = v
	d.pending = true

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.window, d.fire)
}

// fire is called when the window expires.
func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.timer = nil
		d.mu.Unlock()
		return
	}
	v := d.last
	var zero T
	d.last = zero
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	if d.callback != nil {
		d.callback(v)
	}
}

// Flush runs a pending call immediately and blocks until it returns.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		if !d.timer.Stop() {
			// Timer already fired, let it complete rather than running twice.
			d.mu.Unlock()
			return
		}
		d.timer = nil
	}
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	v := d.last
	var zero T
	d.last = zero
	d.pending = false
	d.mu.Unlock()

	if d.callback != nil {
		d.callback(v)
	}
}

// Pending reports whether a call is waiting for the window to close.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any pending call. Later Adds are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
