// ABOUTME: Advisory leader lease shared by every engine instance on the same substrate
// ABOUTME: Lets one instance run periodic background work; not a lock and never exactly-once

package leader

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/cache"
)

// DefaultWindow is how long a lease stays fresh without renewal.
const DefaultWindow = 10 * time.Second

// Lease is the persisted claim to leadership.
type Lease struct {
	TabID     string    `json:"tabId"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator claims and renews the lease for one instance.
// Two instances may both believe they lead for a moment; work gated by the
// lease must be idempotent.
type Coordinator struct {
	tabID  string
	window time.Duration
	bucket *cache.Bucket[Lease]
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWindow overrides the lease freshness window.
func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithTabID sets the instance identity. Defaults to a random UUID.
func WithTabID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.tabID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Coordinator whose lease lives in s.
func New(s *cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		tabID:  uuid.NewString(),
		window: DefaultWindow,
		bucket: cache.NewBucket[Lease](s, cache.Namespace{Name: cache.NamespaceLeaderLease, Version: 1}),
		clock:  s.Clock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "leader", "tab_id", c.tabID)
	return c
}

// TabID returns this instance's identity.
func (c *Coordinator) TabID() string {
	return c.tabID
}

// Current returns the stored lease, if any.
func (c *Coordinator) Current(ctx context.Context) (Lease, bool) {
	e, ok := c.bucket.Get(ctx, "")
	if !ok {
		return Lease{}, false
	}
	return e.Data, true
}

// TryAcquire claims or renews the lease. It returns false only when another
// instance holds a fresh lease. The read and write are not atomic.
func (c *Coordinator) TryAcquire(ctx context.Context) bool {
	now := c.clock.Now()

	if cur, ok := c.Current(ctx); ok && cur.TabID != c.tabID {
		if now.Sub(cur.Timestamp) <= c.window {
			return false
		}
		c.logger.Info("taking over stale lease", "previous", cur.TabID, "age", now.Sub(cur.Timestamp))
	}

	c.bucket.Set(ctx, "", Lease{TabID: c.tabID, Timestamp: now})
	return true
}

// IsLeader reports whether this instance holds a fresh lease without claiming it.
func (c *Coordinator) IsLeader(ctx context.Context) bool {
	cur, ok := c.Current(ctx)
	return ok && cur.TabID == c.tabID && c.clock.Now().Sub(cur.Timestamp) <= c.window
}

// Release drops the lease if this instance still owns it.
func (c *Coordinator) Release(ctx context.Context) {
	cur, ok := c.Current(ctx)
	if !ok || cur.TabID != c.tabID {
		return
	}
	c.bucket.Invalidate(ctx, "")
	c.logger.Debug("released lease")
}

// Every runs task immediately and then on each interval tick, but only while
// this instance holds the lease. The lease is released when ctx ends.
// Task errors are logged and the next tick proceeds normally.
func (c *Coordinator) Every(ctx context.Context, interval time.Duration, task func(context.Context) error) {
	defer c.Release(context.WithoutCancel(ctx))

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.TryAcquire(ctx) {
			if err := task(ctx); err != nil {
				c.logger.Warn("leader task failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
