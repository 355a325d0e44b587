// ABOUTME: Composition root wiring storage, session, sync, connectivity and background work
// ABOUTME: One Engine per process; Run drives the scheduler until the context ends

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/2389/outpost/internal/background"
	"github.com/2389/outpost/internal/cache"
	"github.com/2389/outpost/internal/changefeed"
	"github.com/2389/outpost/internal/config"
	"github.com/2389/outpost/internal/connectivity"
	"github.com/2389/outpost/internal/dashboard"
	"github.com/2389/outpost/internal/fetch"
	"github.com/2389/outpost/internal/leader"
	"github.com/2389/outpost/internal/pos"
	"github.com/2389/outpost/internal/probe"
	"github.com/2389/outpost/internal/remote"
	"github.com/2389/outpost/internal/store"
	"github.com/2389/outpost/internal/syncengine"
	"github.com/2389/outpost/internal/vault"
	"github.com/2389/outpost/internal/version"
)

// Engine owns every long-lived component of an outpost process.
type Engine struct {
	config *config.Config
	logger *slog.Logger

	substrate store.Substrate
	cache     *cache.Store
	vault     *vault.Vault
	leader    *leader.Coordinator
	fetch     *fetch.Cache
	remote    *remote.Client
	sync      *syncengine.Engine
	prober    probe.Prober
	monitor   *connectivity.Monitor
	scheduler *background.Scheduler
	version   *version.Checker
	feed      changefeed.Transport
	registry  *changefeed.Registry
	cart      *pos.Cart

	// mirrors is nil until a session exists and the dashboard is started.
	mu      sync.Mutex
	mirrors *dashboard.Mirrors
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	substrate store.Substrate
	prober    probe.Prober
	clock     clockwork.Clock
	version   string
	transport changefeed.Transport
}

// WithSubstrate replaces the SQLite database, mostly for tests.
func WithSubstrate(s store.Substrate) Option {
	return func(o *options) { o.substrate = s }
}

// WithProber replaces the configured liveness probe.
func WithProber(p probe.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithClock sets the clock shared by the cache and scheduler.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport replaces the service's change stream as the dashboard feed.
func WithTransport(t changefeed.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithVersion sets the local build version compared against the server.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// initSubstrate opens the configured database.
func initSubstrate(cfg *config.Config, logger *slog.Logger) (store.Substrate, error) {
	driver := store.DriverModernc
	if cfg.Database.Driver == config.DriverMattn {
		driver = store.DriverMattn
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path, store.Options{
		Driver:        driver,
		MaxValueBytes: cfg.Database.MaxValueBytes,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initProber builds the configured liveness probe.
func initProber(cfg *config.Config, client *remote.Client, token probe.TokenFunc, logger *slog.Logger) (probe.Prober, error) {
	if cfg.Probe.Kind == config.ProbeGRPC {
		p, err := probe.NewGRPCProber(cfg.Probe.GRPCTarget,
			probe.WithTimeout(cfg.Probe.Timeout),
			probe.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("initializing probe: %w", err)
		}
		return p, nil
	}
	return &probe.HTTPProber{
		URL:     client.URL(remote.PathHealth),
		Token:   token,
		Timeout: cfg.Probe.Timeout,
		Logger:  logger,
	}, nil
}

// tokenFile reads a bare token from path for session rehydration.
func tokenFile(path string, logger *slog.Logger) vault.TokenSource {
	return vault.TokenSourceFunc(func(context.Context) (string, bool) {
		if path == "" {
			return "", false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("reading token file", "path", path, "error", err)
			}
			return "", false
		}
		tok := strings.TrimSpace(string(data))
		return tok, tok != ""
	})
}

// New creates an Engine from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clockwork.NewRealClock(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	sub := o.substrate
	if sub == nil {
		var err error
		if sub, err = initSubstrate(cfg, logger); err != nil {
			return nil, err
		}
	}

	c := cache.New(sub, o.clock, logger)

	vaultOpts := []vault.Option{
		vault.WithWindow(cfg.Session.Window),
		vault.WithTokenSource(tokenFile(cfg.Session.TokenFile, logger)),
		vault.WithLogger(logger),
	}
	if key, ok := cfg.Session.SealKeyBytes(); ok {
		vaultOpts = append(vaultOpts, vault.WithSealKey(key))
	}
	v := vault.New(c, vaultOpts...)

	bearer := func(ctx context.Context) string {
		if rec := v.Get(ctx); rec != nil {
			return rec.Token
		}
		return ""
	}

	client, err := remote.New(cfg.Service.BaseURL, remote.WithToken(bearer), remote.WithLogger(logger))
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("initializing remote: %w", err)
	}

	prober := o.prober
	if prober == nil {
		if prober, err = initProber(cfg, client, bearer, logger); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}

	feed := o.transport
	if feed == nil {
		feed = client.Feed(
			remote.WithRetryDelay(cfg.Dashboard.FeedRetry),
			remote.WithConnectTimeout(cfg.Dashboard.FeedConnectTimeout),
			remote.WithFeedClock(o.clock),
		)
	}

	leaderOpts := []leader.Option{leader.WithWindow(cfg.Leader.Window), leader.WithLogger(logger)}
	if cfg.Leader.TabID != "" {
		leaderOpts = append(leaderOpts, leader.WithTabID(cfg.Leader.TabID))
	}

	e := &Engine{
		config:    cfg,
		logger:    logger.With("component", "engine"),
		substrate: sub,
		cache:     c,
		vault:     v,
		leader:    leader.New(c, leaderOpts...),
		fetch: fetch.New(fetch.Options{
			TTL:        cfg.Fetch.TTL,
			MaxEntries: cfg.Fetch.MaxEntries,
			Clock:      o.clock,
			Logger:     logger,
		}),
		remote:   client,
		prober:   prober,
		feed:     feed,
		registry: changefeed.NewRegistry(logger),
	}

	// Starts offline so the first successful check reads as a reconnect.
	e.sync = syncengine.New(c, client, syncengine.WithLogger(logger), syncengine.WithOnline(false))
	e.cart = pos.NewCart(e.sync, v, logger)
	e.monitor = connectivity.New(prober,
		connectivity.WithContactRecorder(v),
		connectivity.WithClock(o.clock),
		connectivity.WithLogger(logger),
	)
	e.scheduler = background.New(
		background.WithInterval(cfg.Background.Interval),
		background.WithClock(o.clock),
		background.WithGate(e.leader),
		background.WithLogger(logger),
	)
	e.version = version.New(c, client, o.version,
		version.WithMinInterval(cfg.Background.VersionInterval),
		version.WithLogger(logger),
		version.OnUpdate(func(r version.Result) {
			e.logger.Warn("a newer version is available", "local", r.Local, "remote", r.Remote)
		}),
	)

	e.monitor.OnChange(e.onConnectivity)
	e.registerTasks()

	return e, nil
}

// onConnectivity fans a transition out to the vault, the sync engine and the
// scheduler.
func (e *Engine) onConnectivity(ctx context.Context, online bool) {
	e.vault.OnConnectivity(ctx, online)
	e.sync.SetOnline(ctx, online)
	if online {
		e.scheduler.Notify(background.TriggerOnline)
	}
}

func (e *Engine) registerTasks() {
	e.scheduler.Register(background.Task{
		Name:     "connectivity",
		Run:      func(ctx context.Context) error { e.monitor.Check(ctx); return nil },
		Triggers: []background.Trigger{background.TriggerInterval, background.TriggerVisibility},
	})
	e.scheduler.Register(background.Task{
		Name: "sync",
		Run: func(ctx context.Context) error {
			if e.sync.Status().PendingChanges == 0 {
				return nil
			}
			e.sync.SyncNow(ctx)
			return nil
		},
		Triggers: []background.Trigger{background.TriggerInterval, background.TriggerVisibility},
	})
	e.scheduler.Register(background.Task{
		Name:     "foreground",
		Run:      e.refetchDashboard,
		Triggers: []background.Trigger{background.TriggerVisibility},
	})
	e.scheduler.Register(background.Task{
		Name:       "dashboard",
		Run:        e.revalidateDashboard,
		LeaderOnly: true,
		Triggers:   []background.Trigger{background.TriggerInterval, background.TriggerOnline},
	})
	e.scheduler.Register(background.Task{
		Name:       "version",
		Run:        e.version.Task,
		LeaderOnly: true,
		Triggers:   []background.Trigger{background.TriggerInterval, background.TriggerVisibility},
	})
}

// refetchDashboard reloads every mirrored list. Whatever the feed delivered
// while the process was in the background is not trusted.
func (e *Engine) refetchDashboard(ctx context.Context) error {
	m := e.Mirrors()
	if m == nil || !e.monitor.Online() {
		return nil
	}
	return m.RefetchAll(ctx)
}

func (e *Engine) revalidateDashboard(ctx context.Context) error {
	m := e.Mirrors()
	if m == nil || !e.monitor.Online() {
		return nil
	}
	return m.Revalidate(ctx)
}

// startDashboard builds the mirrors for the session owner and subscribes them.
func (e *Engine) startDashboard(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.config.Dashboard.Enabled || e.mirrors != nil {
		return nil
	}
	rec := e.vault.Get(ctx)
	if rec == nil {
		e.logger.Info("no session, dashboard mirrors not started")
		return nil
	}

	m := dashboard.NewMirrors(dashboard.Options{
		OwnerID:        rec.User.ID,
		Cache:          e.cache,
		Fetch:          e.fetch,
		Loader:         e.remote,
		Writer:         e.remote,
		ListTTL:        e.config.Dashboard.ListTTL,
		StatsTTL:       e.config.Dashboard.StatsTTL,
		AggregateDelay: e.config.Fetch.Debounce,
		Logger:         e.logger,
	})
	if err := m.Start(ctx, e.registry, e.feed); err != nil {
		m.Close()
		return fmt.Errorf("starting dashboard mirrors: %w", err)
	}
	e.mirrors = m
	return nil
}

// stopDashboard tears down the mirrors and forgets what they cached.
func (e *Engine) stopDashboard(ctx context.Context) {
	e.mu.Lock()
	m := e.mirrors
	e.mirrors = nil
	e.mu.Unlock()

	if m != nil {
		m.Forget(ctx, e.registry)
	}
}

// Run checks connectivity, starts the dashboard mirrors and drives the
// background scheduler until ctx is cancelled. Alongside it a heartbeat keeps
// the leader lease renewed well inside its window.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting outpost",
		"service", e.config.Service.BaseURL,
		"database", e.config.Database.Path,
		"tab_id", e.leader.TabID(),
	)

	online := e.monitor.Check(ctx)
	if !online {
		e.logger.Warn("service unreachable, running offline", "pending", e.sync.Status().PendingChanges)
	}
	if err := e.startDashboard(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.leader.Every(gctx, max(e.config.Leader.Window/2, time.Millisecond), e.leaseHeartbeat())
		return nil
	})
	g.Go(func() error { return e.scheduler.Run(gctx) })
	return g.Wait()
}

// leaseHeartbeat runs on every renewal and logs when this instance starts
// leading, either for the first time or after a gap longer than the window.
func (e *Engine) leaseHeartbeat() func(context.Context) error {
	var last time.Time
	return func(context.Context) error {
		now := e.cache.Clock().Now()
		if last.IsZero() || now.Sub(last) > e.config.Leader.Window {
			e.logger.Info("leading background work", "tab_id", e.leader.TabID())
		}
		last = now
		return nil
	}
}

// Foreground reports that the user is looking again. Connectivity, sync and
// the version check rerun, and the dashboard lists are reloaded in full.
func (e *Engine) Foreground() {
	e.scheduler.Notify(background.TriggerVisibility)
}

// Close stops every component and closes the database.
func (e *Engine) Close() error {
	e.logger.Info("shutting down outpost")

	var errs []error
	if m := e.Mirrors(); m != nil {
		m.Close()
	}
	e.registry.Close()
	e.sync.Close()
	e.fetch.Close()
	if closer, ok := e.prober.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "probe close", closer.Close())
	}
	errs = appendCloseError(errs, "store close", e.substrate.Close())
	return errors.Join(errs...)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Vault returns the offline session vault.
func (e *Engine) Vault() *vault.Vault { return e.vault }

// Sync returns the sync engine.
func (e *Engine) Sync() *syncengine.Engine { return e.sync }

// Cart returns the point-of-sale cart.
func (e *Engine) Cart() *pos.Cart { return e.cart }

// Mirrors returns the dashboard mirrors, or nil before they are started.
func (e *Engine) Mirrors() *dashboard.Mirrors {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirrors
}

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Scheduler returns the background scheduler.
func (e *Engine) Scheduler() *background.Scheduler { return e.scheduler }

func writeTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
