// ABOUTME: Namespaced, TTL-aware, typed cache over the persistent substrate
// ABOUTME: Reads never fail and writes are best effort so caching never blocks a user action

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/store"
)

// Well-known namespace names.
const (
	NamespaceSession           = "session.offline_auth"
	NamespaceDashboard         = "cache.dashboard.unified"
	NamespaceAutomations       = "cache.automations"
	NamespaceConnectedAccounts = "cache.connected_accounts"
	NamespaceNotifications     = "cache.notifications"
	NamespaceLeaderLease       = "coordination.leader_lease"
	NamespaceVersionCheck      = "version.last_check_at"
	NamespacePendingChanges    = "pos.pending_changes"
	NamespaceWorkingSet        = "pos.working_set"
)

// Namespace describes one family of cached values. TTL applies to every entry
// in the namespace; Version tags the stored schema so a shape change is read
// back as a miss instead of being decoded into the wrong type.
type Namespace struct {
	Name    string
	TTL     time.Duration
	Version int
}

// Key returns the substrate key for sub within the namespace.
// An empty sub addresses the namespace root.
func (ns Namespace) Key(sub string) string {
	if sub == "" {
		return ns.Name
	}
	return ns.Name + "." + sub
}

// Freshness classifies a read.
type Freshness int

const (
	// Miss means nothing usable was stored.
	Miss Freshness = iota
	// Fresh means the entry is younger than the namespace TTL.
	Fresh
	// Stale means the entry is older than the TTL; it is still returned so
	// callers can render it while revalidating in the background.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is a cached value and the time it was written.
type Entry[T any] struct {
	Data      T
	Timestamp time.Time
}

// Age returns how old the entry is at now.
func (e *Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// IsStale reports whether the entry is older than ttl at now.
// A zero ttl never goes stale.
func (e *Entry[T]) IsStale(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && e.Age(now) > ttl
}

// envelope is the persisted shape of an entry.
type envelope struct {
	Version   int             `json:"v"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch ms
}

// Store is the shared cache service. It is safe for concurrent use; every read
// is a snapshot and a second read moments later may observe another writer.
type Store struct {
	sub    store.Substrate
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a cache Store over sub. Pass nil clock for the real clock and
// nil logger for the default.
func New(sub store.Substrate, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sub:    sub,
		clock:  clock,
		logger: logger.With("component", "cache"),
	}
}

// Clock returns the clock used to stamp entries.
func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

// Substrate returns the underlying key/value store.
func (s *Store) Substrate() store.Substrate {
	return s.sub
}

// getRaw loads and unwraps the envelope stored at key. Any failure is a miss.
func (s *Store) getRaw(ctx context.Context, ns Namespace, key string) (*envelope, bool) {
	raw, err := s.sub.GetItem(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Debug("corrupt cache entry treated as miss", "key", key, "error", err)
		return nil, false
	}
	if env.Version != ns.Version {
		s.logger.Debug("cache schema mismatch treated as miss",
			"key", key, "stored", env.Version, "want", ns.Version)
		return nil, false
	}
	return &env, true
}

// setRaw wraps data and writes it. Failures are logged and dropped.
func (s *Store) setRaw(ctx context.Context, ns Namespace, key string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("cache encode failed, write dropped", "key", key, "error", err)
		return
	}
	env := envelope{
		Version:   ns.Version,
		Data:      payload,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("cache encode failed, write dropped", "key", key, "error", err)
		return
	}
	if err := s.sub.SetItem(ctx, key, string(raw)); err != nil {
		s.logger.Warn("cache write failed, dropped", "key", key, "error", err)
	}
}

// Invalidate removes key. Failures are logged and dropped.
func (s *Store) Invalidate(ctx context.Context, key string) {
	if err := s.sub.RemoveItem(ctx, key); err != nil {
		s.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// InvalidatePrefix removes every key starting with prefix.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) {
	keys, err := s.sub.Keys(ctx, prefix)
	if err != nil {
		s.logger.Warn("cache sweep failed", "prefix", prefix, "error", err)
		return
	}
	for _, k := range keys {
		s.Invalidate(ctx, k)
	}
}

// Bucket is a typed view of one namespace.
type Bucket[T any] struct {
	store *Store
	ns    Namespace
}

// NewBucket binds a namespace to a value type.
func NewBucket[T any](s *Store, ns Namespace) *Bucket[T] {
	return &Bucket[T]{store: s, ns: ns}
}

// Namespace returns the bucket's namespace.
func (b *Bucket[T]) Namespace() Namespace {
	return b.ns
}

// Get returns the entry stored under sub, regardless of age.
func (b *Bucket[T]) Get(ctx context.Context, sub string) (*Entry[T], bool) {
	key := b.ns.Key(sub)
	env, ok := b.store.getRaw(ctx, b.ns, key)
	if !ok {
		return nil, false
	}

	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		b.store.logger.Debug("cache payload mismatch treated as miss", "key", key, "error", err)
		return nil, false
	}
	return &Entry[T]{
		Data:      data,
		Timestamp: time.UnixMilli(env.Timestamp),
	}, true
}

// Read returns the entry and whether it is fresh under the namespace TTL.
// Stale entries are returned alongside Stale so callers can serve them while
// revalidating.
func (b *Bucket[T]) Read(ctx context.Context, sub string) (*Entry[T], Freshness) {
	e, ok := b.Get(ctx, sub)
	if !ok {
		return nil, Miss
	}
	if e.IsStale(b.ns.TTL, b.store.clock.Now()) {
		return e, Stale
	}
	return e, Fresh
}

// Set stores data under sub, stamped with the current time. Best effort.
func (b *Bucket[T]) Set(ctx context.Context, sub string, data T) {
	b.store.setRaw(ctx, b.ns, b.ns.Key(sub), data)
}

// Invalidate removes the entry stored under sub.
func (b *Bucket[T]) Invalidate(ctx context.Context, sub string) {
	b.store.Invalidate(ctx, b.ns.Key(sub))
}
