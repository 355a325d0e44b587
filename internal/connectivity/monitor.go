// ABOUTME: Tracks whether the sync service is reachable and fans out online/offline transitions
// ABOUTME: Every successful probe also counts as network contact for the offline session window

package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/probe"
)

// Listener receives connectivity transitions.
type Listener func(ctx context.Context, online bool)

// ContactRecorder is told about each confirmed network contact.
type ContactRecorder interface {
	RefreshExpiry(ctx context.Context) bool
}

// Monitor holds the current online/offline view.
type Monitor struct {
	prober  probe.Prober
	contact ContactRecorder
	clock   clockwork.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	online    bool
	last      probe.Result
	checkedAt time.Time
	listeners []Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithContactRecorder slides rec's window after every reachable probe.
func WithContactRecorder(rec ContactRecorder) Option {
	return func(m *Monitor) { m.contact = rec }
}

// WithInitial sets the state assumed before the first check.
func WithInitial(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// WithClock sets the clock used to stamp checks.
func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor using p for Check. Monitors start offline.
func New(p probe.Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober: p,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connectivity")
	return m
}

// Online reports the current view.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Last returns the most recent probe result and when it was taken.
func (m *Monitor) Last() (probe.Result, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checkedAt
}

// OnChange registers fn for transitions. Listeners run in registration order
// on the goroutine that observed the transition.
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set records an externally observed state, such as an OS network event.
func (m *Monitor) Set(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	for _, fn := range listeners {
		fn(ctx, online)
	}
}

// Check probes the service and updates the view.
func (m *Monitor) Check(ctx context.Context) bool {
	res := m.prober.Probe(ctx)

	m.mu.Lock()
	m.last = res
	m.checkedAt = m.clock.Now()
	m.mu.Unlock()

	if res.Reachable && m.contact != nil {
		m.contact.RefreshExpiry(ctx)
	}
	if !res.Reachable {
		m.logger.Debug("service unreachable", "error", res.Err)
	}
	m.Set(ctx, res.Reachable)
	return res.Reachable
}
