// ABOUTME: One change-feed reconciler per dashboard resource plus the stats aggregate
// ABOUTME: Loads go through the coalescing fetch cache so overlapping refetches hit the server once

package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/outpost/internal/cache"
	"github.com/2389/outpost/internal/changefeed"
	"github.com/2389/outpost/internal/fetch"
)

// Default TTLs for the mirrored namespaces.
const (
	DefaultListTTL  = 5 * time.Minute
	DefaultStatsTTL = 2 * time.Minute
	// DefaultRevalidateGap bounds how often Revalidate reloads one resource.
	DefaultRevalidateGap = 30 * time.Second
)

// statsNamespace keys stats loads in the fetch cache.
const statsNamespace = "stats"

var (
	// ErrReadOnly is returned by writes when the mirrors have no Writer.
	ErrReadOnly = errors.New("dashboard is read-only")
	// ErrUnknownNotification is returned for an ID the mirror does not hold.
	ErrUnknownNotification = errors.New("unknown notification")
)

// Options configures Mirrors.
type Options struct {
	OwnerID        string
	Cache          *cache.Store
	Fetch          *fetch.Cache
	Loader         Loader
	Writer         Writer
	ListTTL        time.Duration
	StatsTTL       time.Duration
	RevalidateGap  time.Duration
	AggregateDelay time.Duration
	Logger         *slog.Logger
}

// Mirrors keeps the dashboard's lists and stats for one owner.
type Mirrors struct {
	Notifications *changefeed.Reconciler[Notification]
	Automations   *changefeed.Reconciler[Automation]
	Accounts      *changefeed.Reconciler[ConnectedAccount]

	owner    string
	loader   Loader
	writer   Writer
	store    *cache.Store
	fetch    *fetch.Cache
	listTTL  time.Duration
	stats    *cache.Bucket[Stats]
	throttle *fetch.Throttle
	logger   *slog.Logger
}

// refetcher is the part of a reconciler Revalidate needs.
type refetcher interface {
	Channel() changefeed.Channel
	Freshness(ctx context.Context) cache.Freshness
	Dirty() bool
	RefetchedAt() time.Time
	Refetch(ctx context.Context) error
}

// NewMirrors builds the reconcilers and binds the stats refresh as their
// shared aggregate.
func NewMirrors(opts Options) *Mirrors {
	if opts.ListTTL <= 0 {
		opts.ListTTL = DefaultListTTL
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = DefaultStatsTTL
	}
	if opts.RevalidateGap <= 0 {
		opts.RevalidateGap = DefaultRevalidateGap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Mirrors{
		owner:    opts.OwnerID,
		loader:   opts.Loader,
		writer:   opts.Writer,
		store:    opts.Cache,
		fetch:    opts.Fetch,
		listTTL:  opts.ListTTL,
		stats:    cache.NewBucket[Stats](opts.Cache, cache.Namespace{Name: cache.NamespaceDashboard, TTL: opts.StatsTTL, Version: 1}),
		throttle: fetch.NewThrottle(opts.RevalidateGap, opts.Cache.Clock()),
		logger:   opts.Logger.With("component", "dashboard", "owner_id", opts.OwnerID),
	}

	m.Notifications = changefeed.NewReconciler(changefeed.Options[Notification]{
		Channel:        changefeed.Channel{Resource: ResourceNotifications, OwnerID: opts.OwnerID},
		Namespace:      cache.Namespace{Name: cache.NamespaceNotifications, TTL: opts.ListTTL, Version: 1},
		Cache:          opts.Cache,
		ID:             func(n Notification) string { return n.ID },
		Load:           loadVia(m, ResourceNotifications, opts.Loader.Notifications),
		AggregateDelay: opts.AggregateDelay,
		Logger:         opts.Logger,
	})
	m.Automations = changefeed.NewReconciler(changefeed.Options[Automation]{
		Channel:        changefeed.Channel{Resource: ResourceAutomations, OwnerID: opts.OwnerID},
		Namespace:      cache.Namespace{Name: cache.NamespaceAutomations, TTL: opts.ListTTL, Version: 1},
		Cache:          opts.Cache,
		ID:             func(a Automation) string { return a.ID },
		Load:           loadVia(m, ResourceAutomations, opts.Loader.Automations),
		AggregateDelay: opts.AggregateDelay,
		Logger:         opts.Logger,
	})
	m.Accounts = changefeed.NewReconciler(changefeed.Options[ConnectedAccount]{
		Channel:        changefeed.Channel{Resource: ResourceConnectedAccounts, OwnerID: opts.OwnerID},
		Namespace:      cache.Namespace{Name: cache.NamespaceConnectedAccounts, TTL: opts.ListTTL, Version: 1},
		Cache:          opts.Cache,
		ID:             func(a ConnectedAccount) string { return a.ID },
		Load:           loadVia(m, ResourceConnectedAccounts, opts.Loader.ConnectedAccounts),
		AggregateDelay: opts.AggregateDelay,
		Logger:         opts.Logger,
	})

	m.Notifications.AddAggregate("stats", m.RefreshStats)
	m.Automations.AddAggregate("stats", m.RefreshStats)
	m.Accounts.AddAggregate("stats", m.RefreshStats)
	return m
}

// loadVia routes a list load through the fetch cache. The entry is dropped
// first so a refetch always reaches the server, while concurrent refetches
// of the same list still share one call.
func loadVia[T any](m *Mirrors, resource string, load func(context.Context, string) ([]T, error)) func(context.Context) ([]T, error) {
	return func(ctx context.Context) ([]T, error) {
		m.fetch.Invalidate(resource, m.owner)
		return fetch.Get(ctx, m.fetch, resource, m.owner, 0, func(ctx context.Context) ([]T, error) {
			return load(ctx, m.owner)
		})
	}
}

// OwnerID returns the mirrored owner.
func (m *Mirrors) OwnerID() string {
	return m.owner
}

// Start subscribes every reconciler on t.
func (m *Mirrors) Start(ctx context.Context, reg *changefeed.Registry, t changefeed.Transport) error {
	if err := m.Notifications.Start(ctx, reg, t); err != nil {
		return err
	}
	if err := m.Automations.Start(ctx, reg, t); err != nil {
		return err
	}
	return m.Accounts.Start(ctx, reg, t)
}

// Stats returns the cached summary and its freshness.
func (m *Mirrors) Stats(ctx context.Context) (Stats, cache.Freshness) {
	e, f := m.stats.Read(ctx, m.owner)
	if e == nil {
		return Stats{}, f
	}
	return e.Data, f
}

// RefreshStats reloads the summary from the server.
func (m *Mirrors) RefreshStats(ctx context.Context) error {
	m.fetch.Invalidate(statsNamespace, m.owner)
	st, err := fetch.Get(ctx, m.fetch, statsNamespace, m.owner, 0, func(ctx context.Context) (Stats, error) {
		return m.loader.Stats(ctx, m.owner)
	})
	if err != nil {
		return fmt.Errorf("refreshing stats: %w", err)
	}
	m.stats.Set(ctx, m.owner, st)
	return nil
}

// RefetchAll reloads every list and the stats unconditionally.
func (m *Mirrors) RefetchAll(ctx context.Context) error {
	var errs []error
	for _, r := range m.reconcilers() {
		if err := r.Refetch(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.RefreshStats(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Revalidate reloads lists that are stale, missing or dirty, or whose last
// full load is older than the list TTL, at most once per RevalidateGap each,
// and the stats when stale. Live events keep the cache timestamp fresh, so the
// load age is what guarantees a lost event is eventually corrected.
func (m *Mirrors) Revalidate(ctx context.Context) error {
	now := m.store.Clock().Now()
	var errs []error
	for _, r := range m.reconcilers() {
		at := r.RefetchedAt()
		if r.Freshness(ctx) == cache.Fresh && !r.Dirty() && !at.IsZero() && now.Sub(at) < m.listTTL {
			continue
		}
		key := r.Channel().Key()
		if !m.throttle.Allow(key) {
			continue
		}
		if err := r.Refetch(ctx); err != nil {
			m.throttle.Reset(key)
			errs = append(errs, err)
		}
	}
	if _, f := m.stats.Read(ctx, m.owner); f != cache.Fresh && m.throttle.Allow("stats") {
		if err := m.RefreshStats(ctx); err != nil {
			m.throttle.Reset("stats")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkNotificationRead marks a notification read locally at once and then on
// the server. A failed write reverts the local change and schedules a reload.
func (m *Mirrors) MarkNotificationRead(ctx context.Context, id string) error {
	if m.writer == nil {
		return ErrReadOnly
	}

	var cur Notification
	found := false
	for _, n := range m.Notifications.Snapshot() {
		if n.ID == id {
			cur, found = n, true
			break
		}
	}
	if !found {
		return fmt.Errorf("marking notification %s read: %w", id, ErrUnknownNotification)
	}
	if cur.Read {
		return nil
	}

	next := cur
	next.Read = true
	ch := m.Notifications.Channel()
	ev, err := changefeed.NewEvent(ch, changefeed.EventUpdate, next, cur)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	m.Notifications.ApplyOptimistic(ctx, ev)

	if err := m.writer.MarkNotificationRead(ctx, m.owner, id); err != nil {
		if undo, uerr := changefeed.NewEvent(ch, changefeed.EventUpdate, cur, next); uerr == nil {
			m.Notifications.ApplyOptimistic(ctx, undo)
		}
		m.Notifications.MarkDirty(ctx)
		m.logger.Warn("notification write failed, reverted", "notification_id", id, "error", err)
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return nil
}

// Close stops pending debounced work.
func (m *Mirrors) Close() {
	m.Notifications.Close()
	m.Automations.Close()
	m.Accounts.Close()
}

// Forget unsubscribes the mirrors and drops everything cached for the owner,
// both the persisted lists and stats and the in-memory fetch entries.
func (m *Mirrors) Forget(ctx context.Context, reg *changefeed.Registry) {
	for _, r := range m.reconcilers() {
		reg.Unregister(r.Channel())
	}
	m.Close()

	for _, ns := range []string{ResourceNotifications, ResourceAutomations, ResourceConnectedAccounts, statsNamespace} {
		m.fetch.InvalidateNamespace(ns)
	}
	for _, name := range []string{cache.NamespaceNotifications, cache.NamespaceAutomations, cache.NamespaceConnectedAccounts, cache.NamespaceDashboard} {
		m.store.InvalidatePrefix(ctx, name)
	}
	m.logger.Info("dashboard mirrors forgotten")
}

func (m *Mirrors) reconcilers() []refetcher {
	return []refetcher{m.Notifications, m.Automations, m.Accounts}
}
