// ABOUTME: Polls the server build version and reports when a newer build is deployed
// ABOUTME: Runs as a leader-only task; the last check time is shared across instances

package version

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/cache"
)

// DefaultMinInterval is the shortest gap between two checks across all instances.
const DefaultMinInterval = 5 * time.Minute

// Source reports the server's current build version.
type Source interface {
	ServerVersion(ctx context.Context) (string, error)
}

// Result is the outcome of a check.
type Result struct {
	Local           string
	Remote          string
	UpdateAvailable bool
	Skipped         bool
	CheckedAt       time.Time
}

// Checker compares the local build with the server's.
type Checker struct {
	source      Source
	local       string
	minInterval time.Duration
	lastCheck   *cache.Bucket[time.Time]
	clock       clockwork.Clock
	logger      *slog.Logger
	onUpdate    func(Result)
}

// Option configures a Checker.
type Option func(*Checker)

// WithMinInterval overrides DefaultMinInterval.
func WithMinInterval(d time.Duration) Option {
	return func(c *Checker) { c.minInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// OnUpdate registers fn to run when a check finds a different server build.
func OnUpdate(fn func(Result)) Option {
	return func(c *Checker) { c.onUpdate = fn }
}

// New creates a Checker for the local build version.
func New(s *cache.Store, source Source, local string, opts ...Option) *Checker {
	c := &Checker{
		source:      source,
		local:       local,
		minInterval: DefaultMinInterval,
		lastCheck:   cache.NewBucket[time.Time](s, cache.Namespace{Name: cache.NamespaceVersionCheck, Version: 1}),
		clock:       s.Clock(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "version")
	return c
}

// Check fetches the server version unless another check, possibly by another
// instance, ran within the minimum interval.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	now := c.clock.Now()
	if e, ok := c.lastCheck.Get(ctx, ""); ok && now.Sub(e.Data) < c.minInterval {
		return Result{Local: c.local, Skipped: true, CheckedAt: e.Data}, nil
	}

	remote, err := c.source.ServerVersion(ctx)
	if err != nil {
		return Result{Local: c.local}, fmt.Errorf("fetching server version: %w", err)
	}
	c.lastCheck.Set(ctx, "", now)

	res := Result{
		Local:           c.local,
		Remote:          remote,
		UpdateAvailable: remote != "" && remote != c.local,
		CheckedAt:       now,
	}
	if res.UpdateAvailable {
		c.logger.Info("server build differs from local", "local", c.local, "remote", remote)
		if c.onUpdate != nil {
			c.onUpdate(res)
		}
	}
	return res, nil
}

// Task adapts Check to a background task body.
func (c *Checker) Task(ctx context.Context) error {
	_, err := c.Check(ctx)
	return err
}
