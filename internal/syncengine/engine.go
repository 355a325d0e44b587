// ABOUTME: Offline mutation queue and push/pull sync state machine
// ABOUTME: Queued changes persist across restarts; only a sync removes them

package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/cache"
)

// ErrInvalidChange is returned by Enqueue for a change missing its resource
// or record id.
var ErrInvalidChange = errors.New("change needs a resource and record id")

// Engine queues local writes and reconciles them with the Remote.
type Engine struct {
	remote  Remote
	clock   clockwork.Clock
	pending *cache.Bucket[[]Change]
	working *cache.Bucket[Snapshot]
	logger  *slog.Logger

	mu        sync.Mutex
	queue     []Change
	status    Status
	dirtied   bool // enqueued while a sync was running
	listeners map[int]func(Status)
	nextSubID int

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithOnline sets the initial connectivity. Engines start online.
func WithOnline(online bool) Option {
	return func(e *Engine) { e.status.IsOnline = online }
}

// New creates an engine, restoring any queued changes from c.
func New(c *cache.Store, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		remote:    remote,
		clock:     c.Clock(),
		pending:   cache.NewBucket[[]Change](c, cache.Namespace{Name: cache.NamespacePendingChanges, Version: 1}),
		working:   cache.NewBucket[Snapshot](c, cache.Namespace{Name: cache.NamespaceWorkingSet, Version: 1}),
		logger:    slog.Default(),
		status:    Status{State: StateIdle, IsOnline: true},
		listeners: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncengine")
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())

	if entry, ok := e.pending.Get(context.Background(), ""); ok {
		e.queue = entry.Data
	}
	e.status.PendingChanges = len(e.queue)
	if len(e.queue) > 0 {
		e.logger.Info("restored pending changes", "count", len(e.queue))
	}
	return e
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Pending returns a copy of the queued changes in order.
func (e *Engine) Pending() []Change {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Change(nil), e.queue...)
}

// WorkingSet returns the last pulled snapshot.
func (e *Engine) WorkingSet(ctx context.Context) Snapshot {
	entry, ok := e.working.Get(ctx, "")
	if !ok {
		return Snapshot{}
	}
	return entry.Data
}

// Subscribe registers fn for every status change. The returned func removes it.
func (e *Engine) Subscribe(fn func(Status)) (cancel func()) {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Enqueue queues a local write and returns it with ID and ClientTime filled.
// It works offline; the change is pushed on the next sync.
func (e *Engine) Enqueue(ctx context.Context, c Change) (Change, error) {
	if c.Resource == "" || c.RecordID == "" {
		return Change{}, ErrInvalidChange
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ClientTime.IsZero() {
		c.ClientTime = e.clock.Now()
	}

	e.mu.Lock()
	e.queue = append(e.queue, c)
	e.persistLocked(ctx)
	e.status.PendingChanges = len(e.queue)
	if e.status.IsSyncing {
		e.dirtied = true
	}
	st, listeners := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Debug("queued change", "change_id", c.ID, "resource", c.Resource, "op", c.Op, "record_id", c.RecordID)
	notify(listeners, st)
	return c, nil
}

// SetOnline records connectivity. Going from offline to online starts a sync
// in the background.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.status.IsOnline
	e.status.IsOnline = online
	st, listeners := e.snapshotLocked()
	e.mu.Unlock()

	if was == online {
		return
	}
	notify(listeners, st)

	if online {
		e.logger.Info("back online, starting sync", "pending", st.PendingChanges)
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			e.SyncNow(e.bgCtx)
		}()
	} else {
		e.logger.Info("offline, queuing changes locally")
	}
}

// SyncNow pushes queued changes and pulls the working set. It returns false
// without doing anything when a sync is already running or the engine is
// offline. Failures land in Status.
func (e *Engine) SyncNow(ctx context.Context) bool {
	e.mu.Lock()
	if e.status.IsSyncing || !e.status.IsOnline {
		reason := "offline"
		if e.status.IsSyncing {
			reason = "already syncing"
		}
		e.mu.Unlock()
		e.logger.Debug("sync request ignored", "reason", reason)
		return false
	}
	e.status.IsSyncing = true
	e.status.Progress = 0
	// A retry leaves the error state before the next pass starts.
	var (
		st        Status
		listeners []func(Status)
	)
	recovering := e.status.State == StateError
	if recovering {
		e.status.State = StateIdle
		e.status.Direction = DirectionNone
		st, listeners = e.snapshotLocked()
	}
	e.mu.Unlock()

	if recovering {
		e.logger.Debug("retrying after failed sync", "last_error", st.LastError)
		notify(listeners, st)
	}
	e.run(ctx)
	return true
}

func (e *Engine) run(ctx context.Context) {
	for {
		e.mu.Lock()
		e.dirtied = false
		batch := append([]Change(nil), e.queue...)
		e.mu.Unlock()

		if len(batch) > 0 {
			if err := e.push(ctx, batch); err != nil {
				e.fail(err)
				return
			}
		}

		e.transition(StatePulling, DirectionPull, 50)
		snap, err := e.remote.Pull(ctx)
		if err != nil {
			e.fail(err)
			return
		}
		e.working.Set(ctx, "", snap)

		e.mu.Lock()
		again := e.dirtied && len(e.queue) > 0
		e.mu.Unlock()
		if !again {
			break
		}
		e.logger.Debug("changes queued during sync, running another pass")
	}

	e.mu.Lock()
	e.status.State = StateIdle
	e.status.Direction = DirectionNone
	e.status.IsSyncing = false
	e.status.LastError = ""
	e.status.LastSyncAt = e.clock.Now()
	e.status.Progress = 100
	st, listeners := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("sync complete", "pending", st.PendingChanges)
	notify(listeners, st)
}

func (e *Engine) push(ctx context.Context, batch []Change) error {
	e.transition(StatePushing, DirectionPush, 0)

	for i, c := range batch {
		ack, err := e.remote.Push(ctx, c)
		if err != nil {
			return err
		}

		switch ack.Outcome {
		case OutcomeAccepted:
			e.logger.Debug("change accepted", "change_id", c.ID)
		default:
			// Server wins; the pulled snapshot carries the authoritative value.
			e.logger.Warn("change discarded by server",
				"change_id", c.ID, "outcome", ack.Outcome, "reason", ack.Reason)
		}

		e.mu.Lock()
		e.removeLocked(ctx, c.ID)
		e.status.Progress = (i + 1) * 50 / len(batch)
		st, listeners := e.snapshotLocked()
		e.mu.Unlock()
		notify(listeners, st)
	}
	return nil
}

func (e *Engine) transition(state State, dir Direction, progress int) {
	e.mu.Lock()
	e.status.State = state
	e.status.Direction = dir
	e.status.Progress = progress
	st, listeners := e.snapshotLocked()
	e.mu.Unlock()
	notify(listeners, st)
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.status.State = StateError
	e.status.Direction = DirectionNone
	e.status.IsSyncing = false
	e.status.LastError = err.Error()
	st, listeners := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Warn("sync failed, changes kept for next attempt", "error", err, "pending", st.PendingChanges)
	notify(listeners, st)
}

// removeLocked must be called with mu held.
func (e *Engine) removeLocked(ctx context.Context, id string) {
	for i, c := range e.queue {
		if c.ID == id {
			e.queue = append(e.queue[:i:i], e.queue[i+1:]...)
			break
		}
	}
	e.status.PendingChanges = len(e.queue)
	e.persistLocked(ctx)
}

// persistLocked must be called with mu held.
func (e *Engine) persistLocked(ctx context.Context) {
	e.pending.Set(ctx, "", e.queue)
}

func (e *Engine) snapshotLocked() (Status, []func(Status)) {
	fns := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	return e.status, fns
}

func notify(listeners []func(Status), st Status) {
	for _, fn := range listeners {
		fn(st)
	}
}

// Close stops background syncs and waits for them to return.
func (e *Engine) Close() {
	e.bgCancel()
	e.bg.Wait()
}
