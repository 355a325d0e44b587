// ABOUTME: Tests for the change-feed reconciler and per-instance registry
// ABOUTME: Exercises apply semantics, refetch replay convergence, self-heal, echo suppression and aggregates

package changefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/outpost/internal/cache"
	"github.com/2389/outpost/internal/store"
)

func rowID(r row) string { return r.ID }

type fakeLoader struct {
	mu      sync.Mutex
	rows    []row
	err     error
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *fakeLoader) set(rows ...row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

func (f *fakeLoader) load(ctx context.Context) ([]row, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]row(nil), f.rows...), nil
}

func newTestReconciler(t *testing.T, sub store.Substrate, loader *fakeLoader) *Reconciler[row] {
	t.Helper()
	r := NewReconciler(Options[row]{
		Channel:        chA,
		Namespace:      cache.Namespace{Name: cache.NamespaceAutomations, TTL: time.Minute, Version: 1},
		Cache:          cache.New(sub, nil, nil),
		ID:             rowID,
		Load:           loader.load,
		AggregateDelay: 10 * time.Millisecond,
	})
	t.Cleanup(r.Close)
	return r
}

func TestReconciler_ApplyInsertUpdateDelete(t *testing.T) {
	sub := store.NewMockStore()
	r := newTestReconciler(t, sub, &fakeLoader{})
	ctx := context.Background()

	r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: "a", Name: "one"}, nil))
	r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: "a", Name: "dup"}, nil))
	r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: "b", Name: "two"}, nil))
	assert.Equal(t, []row{{ID: "a", Name: "one"}, {ID: "b", Name: "two"}}, r.Snapshot(), "insert dedupes by id")

	r.Apply(ctx, mustEvent(t, chA, EventUpdate, row{ID: "b", Name: "TWO"}, row{ID: "b", Name: "two"}))
	assert.Equal(t, []row{{ID: "a", Name: "one"}, {ID: "b", Name: "TWO"}}, r.Snapshot())

	r.Apply(ctx, mustEvent(t, chA, EventDelete, nil, row{ID: "a"}))
	assert.Equal(t, []row{{ID: "b", Name: "TWO"}}, r.Snapshot())

	// Written through to the cache.
	seeded := newTestReconciler(t, sub, &fakeLoader{})
	assert.Equal(t, []row{{ID: "b", Name: "TWO"}}, seeded.Snapshot())
	assert.Equal(t, cache.Fresh, seeded.Freshness(ctx))
}

func TestReconciler_UndecodableEventIgnored(t *testing.T) {
	r := newTestReconciler(t, store.NewMockStore(), &fakeLoader{})
	ctx := context.Background()

	r.Apply(ctx, Event{Channel: chA, Type: EventInsert, New: []byte("{broken")})
	r.Apply(ctx, Event{Channel: chA, Type: "TRUNCATE"})
	assert.Empty(t, r.Snapshot())
}

func TestReconciler_UpdateForUnknownRecordSelfHeals(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(row{ID: "x", Name: "server copy"})
	r := newTestReconciler(t, store.NewMockStore(), loader)
	ctx := context.Background()

	r.Apply(ctx, mustEvent(t, chA, EventUpdate, row{ID: "x", Name: "patched"}, nil))
	assert.Empty(t, r.Snapshot(), "update of an absent id leaves the collection alone")
	assert.True(t, r.Dirty())

	assert.Eventually(t, func() bool {
		return !r.Dirty() && len(r.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "server copy", r.Snapshot()[0].Name)
}

func TestReconciler_InsertUpdateDeleteConvergesWithConcurrentRefetch(t *testing.T) {
	events := func(t *testing.T) []Event {
		return []Event{
			mustEvent(t, chA, EventInsert, row{ID: "r1", Name: "v1"}, nil),
			mustEvent(t, chA, EventUpdate, row{ID: "r1", Name: "v2"}, row{ID: "r1", Name: "v1"}),
			mustEvent(t, chA, EventDelete, nil, row{ID: "r1"}),
		}
	}

	tests := []struct {
		name string
		// snapshot is what the server returned to the in-flight refetch.
		snapshot []row
		// before is how many events were applied before the refetch started.
		before int
	}{
		{name: "no refetch", snapshot: nil, before: 3},
		{name: "refetch saw nothing", snapshot: nil, before: 0},
		{name: "refetch saw insert", snapshot: []row{{ID: "r1", Name: "v1"}}, before: 0},
		{name: "refetch saw update", snapshot: []row{{ID: "r1", Name: "v2"}}, before: 1},
		{name: "refetch saw delete", snapshot: []row{}, before: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &fakeLoader{
				started: make(chan struct{}, 1),
				release: make(chan struct{}),
			}
			loader.set(tt.snapshot...)
			r := newTestReconciler(t, store.NewMockStore(), loader)
			ctx := context.Background()
			evs := events(t)

			for _, ev := range evs[:tt.before] {
				r.Apply(ctx, ev)
			}

			if tt.before < len(evs) {
				errCh := make(chan error, 1)
				go func() { errCh <- r.Refetch(ctx) }()
				<-loader.started

				for _, ev := range evs[tt.before:] {
					r.Apply(ctx, ev)
				}
				close(loader.release)
				require.NoError(t, <-errCh)
			}

			assert.Empty(t, r.Snapshot())
		})
	}
}

func TestReconciler_RefetchErrorKeepsCollection(t *testing.T) {
	loader := &fakeLoader{err: errors.New("offline")}
	r := newTestReconciler(t, store.NewMockStore(), loader)
	ctx := context.Background()

	r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: "a"}, nil))

	err := r.Refetch(ctx)
	assert.Error(t, err)
	assert.Equal(t, []row{{ID: "a"}}, r.Snapshot())
}

func TestReconciler_OptimisticOverwrittenByRefetch(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(row{ID: "a", Name: "server"})
	sub := store.NewMockStore()
	r := newTestReconciler(t, sub, loader)
	ctx := context.Background()

	require.NoError(t, r.Refetch(ctx))

	r.ApplyOptimistic(ctx, mustEvent(t, chA, EventUpdate, row{ID: "a", Name: "local"}, nil))
	assert.Equal(t, "local", r.Snapshot()[0].Name)

	writes := sub.Writes()
	r.Apply(ctx, mustEvent(t, chA, EventUpdate, row{ID: "a", Name: "local"}, nil))
	assert.Equal(t, writes, sub.Writes(), "echo of an identical record is not persisted")

	require.NoError(t, r.Refetch(ctx))
	assert.Equal(t, "server", r.Snapshot()[0].Name)
}

func TestReconciler_AggregatesDebounced(t *testing.T) {
	r := newTestReconciler(t, store.NewMockStore(), &fakeLoader{})
	ctx := context.Background()

	var runs atomic.Int32
	r.AddAggregate("count", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	for i := range 5 {
		r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: string(rune('a' + i))}, nil))
	}

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	r.ApplyOptimistic(ctx, mustEvent(t, chA, EventInsert, row{ID: "z"}, nil))
	r.FlushAggregates()
	assert.Equal(t, int32(1), runs.Load(), "optimistic changes don't reload aggregates")
}

func TestReconciler_StartDeliversAndRecovers(t *testing.T) {
	loader := &fakeLoader{}
	r := newTestReconciler(t, store.NewMockStore(), loader)
	hub := NewHub(nil)
	defer hub.Close()
	reg := NewRegistry(nil)
	defer reg.Close()

	require.NoError(t, r.Start(t.Context(), reg, hub))
	assert.Equal(t, StatusSubscribed, r.Status())

	require.NoError(t, hub.PublishRow(chA, EventInsert, row{ID: "live"}, nil))
	assert.Eventually(t, func() bool { return len(r.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	loader.set(row{ID: "live"}, row{ID: "missed"})
	hub.EmitStatus(chA, StatusChannelError)
	assert.Equal(t, int32(0), loader.calls.Load(), "errors alone don't refetch")

	hub.EmitStatus(chA, StatusSubscribed)
	assert.Eventually(t, func() bool { return len(r.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestReconciler_RefetchedAtIgnoresEvents(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(row{ID: "a"})
	r := newTestReconciler(t, store.NewMockStore(), loader)
	ctx := context.Background()

	assert.True(t, r.RefetchedAt().IsZero())
	require.NoError(t, r.Refetch(ctx))
	at := r.RefetchedAt()
	require.False(t, at.IsZero())

	r.Apply(ctx, mustEvent(t, chA, EventInsert, row{ID: "b"}, nil))
	assert.Equal(t, at, r.RefetchedAt(), "applied events are not authoritative loads")
	assert.Equal(t, cache.Fresh, r.Freshness(ctx))
}

func TestReconciler_ChannelErrorMarksDirty(t *testing.T) {
	loader := &fakeLoader{}
	r := newTestReconciler(t, store.NewMockStore(), loader)
	hub := NewHub(nil)
	defer hub.Close()
	reg := NewRegistry(nil)
	defer reg.Close()

	require.NoError(t, r.Start(t.Context(), reg, hub))
	assert.False(t, r.Dirty())

	hub.EmitStatus(chA, StatusTimedOut)
	assert.True(t, r.Dirty())

	hub.EmitStatus(chA, StatusSubscribed)
	assert.Eventually(t, func() bool { return !r.Dirty() }, time.Second, 5*time.Millisecond, "recovery refetch clears the mark")
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	reg := NewRegistry(nil)
	ctx := t.Context()

	var first, second atomic.Int32
	require.NoError(t, reg.Register(ctx, chA, hub, func(Event) { first.Add(1) }, nil))
	require.NoError(t, reg.Register(ctx, chA, hub, func(Event) { second.Add(1) }, nil))
	require.NoError(t, reg.Register(ctx, chB, hub, func(Event) {}, nil))
	assert.Equal(t, 2, reg.Len())

	assert.Eventually(t, func() bool { return hub.Subscribers(chA) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.PublishRow(chA, EventInsert, row{ID: "a"}, nil))
	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())

	reg.Close()
	assert.Equal(t, 0, reg.Len())
	assert.Eventually(t, func() bool {
		return hub.Subscribers(chA) == 0 && hub.Subscribers(chB) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_SubscribeError(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	reg := NewRegistry(nil)

	err := reg.Register(t.Context(), chA, hub, func(Event) {}, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Equal(t, 0, reg.Len())
}
