// ABOUTME: Applies row-change events to a cached collection and refetches when it may have drifted
// ABOUTME: Derived aggregates are always reloaded from the server, never patched from events

package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/cache"
	"github.com/2389/outpost/internal/fetch"
)

// DefaultAggregateDelay is how long event bursts are collapsed before
// aggregates are reloaded.
const DefaultAggregateDelay = 300 * time.Millisecond

// AggregateRefresher reloads a value derived from the collection, such as a
// count or a dashboard summary.
type AggregateRefresher func(ctx context.Context) error

// Options configures a Reconciler.
type Options[T any] struct {
	Channel   Channel
	Namespace cache.Namespace
	Cache     *cache.Store
	// ID returns the stable identifier of a record.
	ID func(T) string
	// Load fetches the authoritative collection.
	Load func(ctx context.Context) ([]T, error)

	AggregateDelay time.Duration
	Logger         *slog.Logger
}

// Reconciler keeps one cached collection consistent with a change feed.
type Reconciler[T any] struct {
	ch     Channel
	id     func(T) string
	load   func(ctx context.Context) ([]T, error)
	bucket *cache.Bucket[[]T]
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.Mutex
	items       []T
	dirty       bool
	refetchedAt time.Time
	refetching  bool
	replay      []Event
	status      Status
	listeners   []func([]T)
	aggregates  map[string]AggregateRefresher

	refetchMu   sync.Mutex
	aggDebounce *fetch.Debouncer[context.Context]
	refDebounce *fetch.Debouncer[context.Context]
}

// NewReconciler creates a reconciler seeded from the cached collection.
func NewReconciler[T any](opts Options[T]) *Reconciler[T] {
	if opts.AggregateDelay <= 0 {
		opts.AggregateDelay = DefaultAggregateDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Namespace.Name == "" {
		opts.Namespace.Name = "cache." + opts.Channel.Resource
	}

	r := &Reconciler[T]{
		ch:         opts.Channel,
		id:         opts.ID,
		load:       opts.Load,
		bucket:     cache.NewBucket[[]T](opts.Cache, opts.Namespace),
		clock:      opts.Cache.Clock(),
		logger:     opts.Logger.With("component", "reconciler", "channel", opts.Channel.Key()),
		aggregates: make(map[string]AggregateRefresher),
	}
	r.aggDebounce = fetch.NewDebouncer(opts.AggregateDelay, r.refreshAggregates, r.clock)
	r.refDebounce = fetch.NewDebouncer(opts.AggregateDelay, func(ctx context.Context) {
		if err := r.Refetch(ctx); err != nil {
			r.logger.Warn("self-heal refetch failed", "error", err)
			return
		}
		// Missed events may have moved the aggregates too.
		r.aggDebounce.Add(ctx)
	}, r.clock)

	if e, ok := r.bucket.Get(context.Background(), opts.Channel.OwnerID); ok {
		r.items = e.Data
	}
	return r
}

// Channel returns the channel this reconciler mirrors.
func (r *Reconciler[T]) Channel() Channel {
	return r.ch
}

// Snapshot returns a copy of the in-memory collection.
func (r *Reconciler[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Freshness classifies the cached collection under its namespace TTL.
func (r *Reconciler[T]) Freshness(ctx context.Context) cache.Freshness {
	_, f := r.bucket.Read(ctx, r.ch.OwnerID)
	return f
}

// Dirty reports whether an event could not be applied and a refetch is due.
func (r *Reconciler[T]) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// MarkDirty flags the collection as possibly wrong and schedules a refetch.
func (r *Reconciler[T]) MarkDirty(ctx context.Context) {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	r.refDebounce.Add(ctx)
}

// RefetchedAt returns when the collection was last replaced by an
// authoritative load, or the zero time if it never was in this process.
// Applied events move the cache timestamp but not this one.
func (r *Reconciler[T]) RefetchedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refetchedAt
}

// Status returns the last subscription status seen.
func (r *Reconciler[T]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// OnChange registers fn to receive the collection after each applied change.
func (r *Reconciler[T]) OnChange(fn func([]T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// AddAggregate registers a refresher run (debounced) after applied events.
func (r *Reconciler[T]) AddAggregate(name string, fn AggregateRefresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregates[name] = fn
}

// Start registers the reconciler's handlers on reg for t. It can be called
// again to resubscribe; the registry replaces the old subscription.
func (r *Reconciler[T]) Start(ctx context.Context, reg *Registry, t Transport) error {
	return reg.Register(ctx, r.ch, t,
		func(ev Event) { r.Apply(ctx, ev) },
		func(st Status) { r.onStatus(ctx, st) },
	)
}

func (r *Reconciler[T]) onStatus(ctx context.Context, st Status) {
	r.mu.Lock()
	prev := r.status
	r.status = st
	if st == StatusChannelError || st == StatusTimedOut {
		// Events may have been lost; only a full load can tell.
		r.dirty = true
	}
	r.mu.Unlock()

	switch st {
	case StatusSubscribed:
		if prev == StatusChannelError || prev == StatusTimedOut {
			r.logger.Info("change feed recovered, refetching", "previous", prev)
			r.refDebounce.Add(ctx)
		}
	case StatusChannelError, StatusTimedOut:
		r.logger.Warn("change feed degraded", "status", st)
	}
}

// Apply applies an authoritative event from the feed.
func (r *Reconciler[T]) Apply(ctx context.Context, ev Event) {
	r.apply(ctx, ev, true)
}

// ApplyOptimistic applies a local change ahead of the server. The next
// refetch overwrites it.
func (r *Reconciler[T]) ApplyOptimistic(ctx context.Context, ev Event) {
	r.apply(ctx, ev, false)
}

func (r *Reconciler[T]) apply(ctx context.Context, ev Event, fromFeed bool) {
	r.mu.Lock()
	if fromFeed && r.refetching {
		r.replay = append(r.replay, ev)
	}
	next, changed, missing, err := r.applyTo(r.items, ev)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("undecodable event ignored", "event_id", ev.ID, "type", ev.Type, "error", err)
		return
	}
	if missing {
		r.dirty = true
	}
	if changed {
		r.items = next
	}
	items := r.items
	listeners := r.listeners
	r.mu.Unlock()

	if missing {
		r.logger.Debug("update for unknown record, scheduling refetch", "event_id", ev.ID)
		r.refDebounce.Add(ctx)
	}
	if !changed {
		return
	}

	r.bucket.Set(ctx, r.ch.OwnerID, items)
	for _, fn := range listeners {
		fn(items)
	}
	if fromFeed {
		r.aggDebounce.Add(ctx)
	}
}

// applyTo returns items with ev applied. changed is false when ev is a no-op,
// including an echo of a record already held. missing is true for an update
// whose record is not present.
func (r *Reconciler[T]) applyTo(items []T, ev Event) (next []T, changed, missing bool, err error) {
	switch ev.Type {
	case EventInsert:
		rec, err := decode[T](ev.New)
		if err != nil {
			return nil, false, false, err
		}
		id := r.id(rec)
		if indexOf(items, id, r.id) >= 0 {
			return items, false, false, nil
		}
		next = make([]T, 0, len(items)+1)
		next = append(next, items...)
		return append(next, rec), true, false, nil

	case EventUpdate:
		rec, err := decode[T](ev.New)
		if err != nil {
			return nil, false, false, err
		}
		i := indexOf(items, r.id(rec), r.id)
		if i < 0 {
			return items, false, true, nil
		}
		if reflect.DeepEqual(items[i], rec) {
			return items, false, false, nil
		}
		next = make([]T, len(items))
		copy(next, items)
		next[i] = rec
		return next, true, false, nil

	case EventDelete:
		raw := ev.Old
		if len(raw) == 0 {
			raw = ev.New
		}
		rec, err := decode[T](raw)
		if err != nil {
			return nil, false, false, err
		}
		id := r.id(rec)
		if indexOf(items, id, r.id) < 0 {
			return items, false, false, nil
		}
		next = make([]T, 0, len(items))
		for _, it := range items {
			if r.id(it) != id {
				next = append(next, it)
			}
		}
		return next, true, false, nil

	default:
		return nil, false, false, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// Refetch replaces the collection with the authoritative list. Feed events
// that arrive while the load is in flight are replayed onto the result, so
// the collection converges regardless of how the two interleave.
func (r *Reconciler[T]) Refetch(ctx context.Context) error {
	r.refetchMu.Lock()
	defer r.refetchMu.Unlock()

	r.mu.Lock()
	r.refetching = true
	r.replay = nil
	r.mu.Unlock()

	fetched, err := r.load(ctx)

	r.mu.Lock()
	r.refetching = false
	replay := r.replay
	r.replay = nil
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("refetching %s: %w", r.ch.Key(), err)
	}

	items := fetched
	if items == nil {
		items = []T{}
	}
	for _, ev := range replay {
		next, changed, _, aerr := r.applyTo(items, ev)
		if aerr == nil && changed {
			items = next
		}
	}
	r.items = items
	r.dirty = false
	r.refetchedAt = r.clock.Now()
	listeners := r.listeners
	r.mu.Unlock()

	r.bucket.Set(ctx, r.ch.OwnerID, items)
	for _, fn := range listeners {
		fn(items)
	}
	r.logger.Debug("refetched collection", "items", len(items), "replayed", len(replay))
	return nil
}

// FlushAggregates runs pending aggregate refreshes now.
func (r *Reconciler[T]) FlushAggregates() {
	r.aggDebounce.Flush()
}

// Close stops pending debounced work.
func (r *Reconciler[T]) Close() {
	r.aggDebounce.Stop()
	r.refDebounce.Stop()
}

func (r *Reconciler[T]) refreshAggregates(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	fns := make(map[string]AggregateRefresher, len(r.aggregates))
	for name, fn := range r.aggregates {
		fns[name] = fn
	}
	r.mu.Unlock()

	for name, fn := range fns {
		if err := fn(ctx); err != nil {
			r.logger.Warn("aggregate refresh failed", "aggregate", name, "error", err)
		}
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("missing row payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding row: %w", err)
	}
	return v, nil
}

func indexOf[T any](items []T, id string, idOf func(T) string) int {
	for i, it := range items {
		if idOf(it) == id {
			return i
		}
	}
	return -1
}
