// ABOUTME: In-memory fetch cache that coalesces concurrent identical loads
// ABOUTME: TTL and size bounded with insertion-order eviction; errors are never cached

package fetch

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Defaults for New when Options leaves fields zero.
const (
	DefaultTTL             = 2 * time.Minute
	DefaultMaxEntries      = 512
	DefaultCleanupInterval = time.Minute
)

// ErrTypeMismatch is returned by Get when a cached value under the same key
// was stored with a different type.
var ErrTypeMismatch = errors.New("cached value has unexpected type")

// Loader produces a value for a cache miss.
type Loader func(ctx context.Context) (any, error)

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// cacheEntry stores a loaded value and its position in the eviction order.
type cacheEntry struct {
	namespace string
	value     any
	storedAt  time.Time
	ttl       time.Duration
	element   *list.Element
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits    int64
	Loads   int64
	Shared  int64
	Errors  int64
	Entries int
}

// Cache is a thread-safe, TTL-based, size-limited cache of loader results.
// Concurrent requests for the same key share one loader call.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	gen     map[string]uint64
	group   singleflight.Group

	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock
	logger  *slog.Logger

	hits, loads, shared, errs atomic.Int64

	done   chan struct{}
	closed bool
}

// New creates a Cache and starts its background expiry sweep.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache{
		entries: make(map[uint64]*cacheEntry),
		order:   list.New(),
		gen:     make(map[string]uint64),
		ttl:     opts.TTL,
		maxSize: opts.MaxEntries,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "fetch"),
		done:    make(chan struct{}),
	}
	go c.cleanup(opts.CleanupInterval)
	return c
}

// Fetch returns the cached value for (namespace, args) or loads it with the
// default TTL.
func (c *Cache) Fetch(ctx context.Context, namespace string, args any, loader Loader) (any, error) {
	return c.fetch(ctx, namespace, args, c.ttl, loader)
}

// Get is the typed form of Fetch. A ttl of zero uses the cache default.
func Get[T any](ctx context.Context, c *Cache, namespace string, args any, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	if ttl <= 0 {
		ttl = c.ttl
	}
	v, err := c.fetch(ctx, namespace, args, ttl, func(ctx context.Context) (any, error) {
		return loader(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s got %T", ErrTypeMismatch, namespace, v)
	}
	return typed, nil
}

func (c *Cache) fetch(ctx context.Context, namespace string, args any, ttl time.Duration, loader Loader) (any, error) {
	key, err := Key(namespace, args)
	if err != nil {
		return nil, err
	}

	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	c.mu.Lock()
	gen := c.gen[namespace]
	c.mu.Unlock()

	// The load is shared, so it must outlive whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(key, 16), func() (any, error) {
		c.loads.Add(1)
		v, err := loader(loadCtx)
		if err != nil {
			c.errs.Add(1)
			c.logger.Debug("load failed, not cached", "namespace", namespace, "error", err)
			return nil, err
		}
		c.store(key, namespace, gen, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) lookup(key uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().Sub(entry.storedAt) >= entry.ttl {
		c.removeLocked(key, entry)
		return nil, false
	}
	return entry.value, true
}

// store records a loaded value unless the namespace was invalidated while the
// load was in flight.
func (c *Cache) store(key uint64, namespace string, gen uint64, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen[namespace] != gen {
		return
	}

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.storedAt = c.clock.Now()
		entry.ttl = ttl
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		namespace: namespace,
		value:     value,
		storedAt:  c.clock.Now(),
		ttl:       ttl,
		element:   elem,
	}
}

// Invalidate drops the entry for (namespace, args).
func (c *Cache) Invalidate(namespace string, args any) {
	key, err := Key(namespace, args)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen[namespace]++
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// InvalidateNamespace drops every entry in namespace.
func (c *Cache) InvalidateNamespace(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen[namespace]++
	for key, entry := range c.entries {
		if entry.namespace == namespace {
			c.removeLocked(key, entry)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Loads:   c.loads.Load(),
		Shared:  c.shared.Load(),
		Errors:  c.errs.Load(),
		Entries: c.Len(),
	}
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(key uint64, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(uint64)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= entry.ttl {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
