// ABOUTME: Runs revalidation tasks on interval, foreground and back-online triggers
// ABOUTME: Leader-only tasks run on one instance at a time via the advisory lease

package background

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the wall-clock revalidation period.
const DefaultInterval = 3 * time.Minute

// Trigger is a reason to revalidate.
type Trigger string

const (
	TriggerInterval   Trigger = "interval"
	TriggerVisibility Trigger = "visibility"
	TriggerOnline     Trigger = "online"
)

// Task is a unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// LeaderOnly tasks run only on the instance holding the lease.
	LeaderOnly bool
	// Triggers the task responds to. Empty means all.
	Triggers []Trigger
}

func (t Task) respondsTo(tr Trigger) bool {
	return len(t.Triggers) == 0 || slices.Contains(t.Triggers, tr)
}

// Gate is the leader lease as seen by the scheduler.
type Gate interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Scheduler dispatches triggers to tasks. Tasks run one at a time; task
// errors are logged and the task waits for its next trigger.
type Scheduler struct {
	interval time.Duration
	clock    clockwork.Clock
	gate     Gate
	logger   *slog.Logger
	triggers chan Trigger

	mu    sync.Mutex
	tasks []Task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the interval trigger period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock driving the interval trigger.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithGate sets the leader gate for LeaderOnly tasks. Without one they run
// everywhere.
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: DefaultInterval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		triggers: make(chan Trigger, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "background")
	return s
}

// Register adds a task.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}

// Notify queues a trigger for Run. It never blocks; a trigger arriving while
// the queue is full is dropped since one is already pending.
func (s *Scheduler) Notify(tr Trigger) {
	select {
	case s.triggers <- tr:
	default:
		s.logger.Debug("trigger dropped, queue full", "trigger", tr)
	}
}

// Run dispatches triggers until ctx is cancelled, then releases the lease.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	if s.gate != nil {
		defer s.gate.Release(context.WithoutCancel(ctx))
	}

	s.logger.Info("background scheduler started", "interval", s.interval, "tasks", len(s.Tasks()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("background scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.Fire(ctx, TriggerInterval)
		case tr := <-s.triggers:
			s.Fire(ctx, tr)
		}
	}
}

// Fire runs every task that responds to tr and returns how many ran.
func (s *Scheduler) Fire(ctx context.Context, tr Trigger) int {
	s.mu.Lock()
	tasks := slices.Clone(s.tasks)
	s.mu.Unlock()

	leader, checked := false, false
	ran := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ran
		}
		if !t.respondsTo(tr) {
			continue
		}
		if t.LeaderOnly && s.gate != nil {
			if !checked {
				leader = s.gate.TryAcquire(ctx)
				checked = true
			}
			if !leader {
				continue
			}
		}

		ran++
		start := s.clock.Now()
		if err := t.Run(ctx); err != nil {
			s.logger.Warn("background task failed", "task", t.Name, "trigger", tr, "error", err)
			continue
		}
		s.logger.Debug("background task done", "task", t.Name, "trigger", tr, "took", s.clock.Since(start))
	}
	return ran
}
