// ABOUTME: Engine operations behind the CLI: login, logout, sync, notifications, health and status
// ABOUTME: Each works offline where it can and says so when it cannot

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/2389/outpost/internal/dashboard"
	"github.com/2389/outpost/internal/leader"
	"github.com/2389/outpost/internal/probe"
	"github.com/2389/outpost/internal/syncengine"
	"github.com/2389/outpost/internal/vault"
)

var (
	// ErrOffline is returned by operations that need the service.
	ErrOffline = errors.New("service unreachable")
	// ErrNoDashboard is returned when the dashboard mirrors are disabled.
	ErrNoDashboard = errors.New("dashboard not enabled")
)

// Login caches token as the offline session. The profile comes from the
// token's claims, replaced by the server's copy when the service is reachable.
func (e *Engine) Login(ctx context.Context, token string) (*vault.Record, error) {
	claims, err := vault.ParseClaims(token)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(e.cache.Clock().Now()) {
		return nil, fmt.Errorf("logging in: %w", vault.ErrSessionExpired)
	}

	rec := e.vault.Cache(ctx, token, claims.User)

	if e.monitor.Check(ctx) {
		user, err := e.remote.Me(ctx)
		switch {
		case err == nil:
			if user.Plan == "" {
				user.Plan = claims.User.Plan
			}
			rec = e.vault.Cache(ctx, token, user)
		default:
			e.logger.Warn("profile fetch failed, keeping token claims", "error", err)
		}
	}

	if path := e.config.Session.TokenFile; path != "" {
		if err := writeTokenFile(path, token); err != nil {
			return rec, err
		}
	}

	e.logger.Info("logged in", "user_id", rec.User.ID, "expires_at", rec.ExpiresAt)
	return rec, e.startDashboard(ctx)
}

// Logout clears the session, the token file, the leader lease and the
// dashboard data cached for the user.
func (e *Engine) Logout(ctx context.Context) error {
	// The token file goes first so nothing rehydrates the session behind us.
	if path := e.config.Session.TokenFile; path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing token file: %w", err)
		}
	}
	e.vault.Clear(ctx)
	e.leader.Release(ctx)
	e.stopDashboard(ctx)

	e.logger.Info("logged out")
	return nil
}

// SyncNow checks connectivity and, if the service is reachable, runs one sync
// to completion.
func (e *Engine) SyncNow(ctx context.Context) (syncengine.Status, error) {
	if _, err := e.vault.Require(ctx); err != nil {
		return e.sync.Status(), fmt.Errorf("syncing: %w", err)
	}
	if !e.monitor.Check(ctx) {
		return e.sync.Status(), ErrOffline
	}

	// A reconnect may have started a sync already; wait it out, then run ours.
	for !e.sync.SyncNow(ctx) {
		if !e.sync.Status().IsOnline {
			return e.sync.Status(), ErrOffline
		}
		if err := waitIdle(ctx, e.sync); err != nil {
			return e.sync.Status(), err
		}
		if st := e.sync.Status(); st.PendingChanges == 0 && st.State == syncengine.StateIdle && !st.LastSyncAt.IsZero() {
			return st, nil
		}
	}

	st := e.sync.Status()
	if st.State == syncengine.StateError {
		return st, fmt.Errorf("syncing: %s", st.LastError)
	}
	return st, nil
}

// waitIdle blocks until s is not syncing.
func waitIdle(ctx context.Context, s *syncengine.Engine) error {
	done := make(chan struct{}, 1)
	cancel := s.Subscribe(func(st syncengine.Status) {
		if !st.IsSyncing {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if !s.Status().IsSyncing {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkNotificationRead marks a notification read. The mirror shows it read
// immediately and reverts if the service refuses.
func (e *Engine) MarkNotificationRead(ctx context.Context, id string) error {
	if _, err := e.vault.Require(ctx); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if !e.monitor.Check(ctx) {
		return ErrOffline
	}
	if err := e.startDashboard(ctx); err != nil {
		return err
	}
	m := e.Mirrors()
	if m == nil {
		return ErrNoDashboard
	}

	err := m.MarkNotificationRead(ctx, id)
	if !errors.Is(err, dashboard.ErrUnknownNotification) {
		return err
	}
	// The local copy may predate the notification.
	if err := m.Notifications.Refetch(ctx); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return m.MarkNotificationRead(ctx, id)
}

// Health probes the service once.
func (e *Engine) Health(ctx context.Context) probe.Result {
	return e.prober.Probe(ctx)
}

// Report is a point-in-time view of the engine.
type Report struct {
	Online        bool              `json:"online"`
	Sync          syncengine.Status `json:"sync"`
	Session       *vault.Record     `json:"session,omitempty"`
	RemainingDays int               `json:"remainingDays"`
	Leader        *leader.Lease     `json:"leader,omitempty"`
	IsLeader      bool              `json:"isLeader"`
	TabID         string            `json:"tabId"`
	CartItems     int               `json:"cartItems"`
	CartTotal     int64             `json:"cartTotalCents"`
	GeneratedAt   time.Time         `json:"generatedAt"`
}

// Status reports local state without touching the network.
func (e *Engine) Status(ctx context.Context) Report {
	r := Report{
		Online:        e.monitor.Online(),
		Sync:          e.sync.Status(),
		Session:       e.vault.Get(ctx),
		RemainingDays: e.vault.RemainingDays(ctx),
		IsLeader:      e.leader.IsLeader(ctx),
		TabID:         e.leader.TabID(),
		GeneratedAt:   e.cache.Clock().Now(),
	}
	if r.Session != nil {
		// Never print the bearer token.
		redacted := *r.Session
		redacted.Token = ""
		r.Session = &redacted
	}
	if lease, ok := e.leader.Current(ctx); ok {
		r.Leader = &lease
	}
	for _, l := range e.cart.Lines(ctx) {
		r.CartItems += l.Quantity
	}
	r.CartTotal = e.cart.Total(ctx)
	return r
}
