// ABOUTME: Per-key minimum interval gate for refetches
// ABOUTME: Bounds how often the same resource is reloaded regardless of how many triggers fire

package fetch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle admits at most one call per key every MinInterval.
type Throttle struct {
	MinInterval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	clock clockwork.Clock
}

// NewThrottle creates a Throttle. Pass nil clock for the real clock.
func NewThrottle(minInterval time.Duration, clock clockwork.Clock) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{
		MinInterval: minInterval,
		last:        make(map[string]time.Time),
		clock:       clock,
	}
}

// Allow reports whether key may run now and, if so, records the attempt.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.MinInterval {
		return false
	}
	t.last[key] = now
	return true
}

// Reset forgets key so the next Allow succeeds.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}
