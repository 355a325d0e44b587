// ABOUTME: Service endpoints: sync push and pull, version, profile, dashboard lists and stats
// ABOUTME: Together they satisfy syncengine.Remote, version.Source and the dashboard Loader and Writer

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/2389/outpost/internal/dashboard"
	"github.com/2389/outpost/internal/syncengine"
	"github.com/2389/outpost/internal/vault"
	"github.com/2389/outpost/internal/version"
)

// Service paths.
const (
	PathChanges  = "/v1/sync/changes"
	PathSnapshot = "/v1/sync/snapshot"
	PathVersion  = "/v1/version"
	PathMe       = "/v1/me"
	PathHealth   = "/v1/health"
)

var (
	_ syncengine.Remote = (*Client)(nil)
	_ dashboard.Loader  = (*Client)(nil)
	_ dashboard.Writer  = (*Client)(nil)
	_ version.Source    = (*Client)(nil)
)

// Push sends one change. A 409 means a newer server write won and a 422 means
// the server refused the change; both come back as an Ack, not an error.
func (c *Client) Push(ctx context.Context, change syncengine.Change) (syncengine.Ack, error) {
	var ack syncengine.Ack
	err := c.do(ctx, http.MethodPost, PathChanges, change, &ack)

	var se *StatusError
	switch {
	case err == nil:
		if ack.Outcome == "" {
			ack.Outcome = syncengine.OutcomeAccepted
		}
		return ack, nil
	case errors.As(err, &se) && se.Code == http.StatusConflict:
		return syncengine.Ack{Outcome: syncengine.OutcomeSuperseded, Reason: se.Body}, nil
	case errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity:
		return syncengine.Ack{Outcome: syncengine.OutcomeRejected, Reason: se.Body}, nil
	default:
		return syncengine.Ack{}, fmt.Errorf("pushing change %s: %w", change.ID, err)
	}
}

// Pull fetches the authoritative working set.
func (c *Client) Pull(ctx context.Context) (syncengine.Snapshot, error) {
	var snap syncengine.Snapshot
	if err := c.do(ctx, http.MethodGet, PathSnapshot, nil, &snap); err != nil {
		return syncengine.Snapshot{}, fmt.Errorf("pulling snapshot: %w", err)
	}
	return snap, nil
}

// ServerVersion returns the version the service advertises.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var reply struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, PathVersion, nil, &reply); err != nil {
		return "", fmt.Errorf("fetching server version: %w", err)
	}
	return reply.Version, nil
}

// Me returns the profile of the token's owner.
func (c *Client) Me(ctx context.Context) (vault.User, error) {
	var u vault.User
	if err := c.do(ctx, http.MethodGet, PathMe, nil, &u); err != nil {
		return vault.User{}, fmt.Errorf("fetching profile: %w", err)
	}
	return u, nil
}

// Notifications lists the owner's notifications.
func (c *Client) Notifications(ctx context.Context, ownerID string) ([]dashboard.Notification, error) {
	var out []dashboard.Notification
	if err := c.do(ctx, http.MethodGet, userPath(ownerID, "notifications"), nil, &out); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return out, nil
}

// Automations lists the owner's automations.
func (c *Client) Automations(ctx context.Context, ownerID string) ([]dashboard.Automation, error) {
	var out []dashboard.Automation
	if err := c.do(ctx, http.MethodGet, userPath(ownerID, "automations"), nil, &out); err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	return out, nil
}

// ConnectedAccounts lists the owner's linked accounts.
func (c *Client) ConnectedAccounts(ctx context.Context, ownerID string) ([]dashboard.ConnectedAccount, error) {
	var out []dashboard.ConnectedAccount
	if err := c.do(ctx, http.MethodGet, userPath(ownerID, "connected-accounts"), nil, &out); err != nil {
		return nil, fmt.Errorf("listing connected accounts: %w", err)
	}
	return out, nil
}

// Stats returns the owner's dashboard summary.
func (c *Client) Stats(ctx context.Context, ownerID string) (dashboard.Stats, error) {
	var st dashboard.Stats
	if err := c.do(ctx, http.MethodGet, userPath(ownerID, "stats"), nil, &st); err != nil {
		return dashboard.Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return st, nil
}

// MarkNotificationRead marks one of the owner's notifications read.
func (c *Client) MarkNotificationRead(ctx context.Context, ownerID, id string) error {
	path := userPath(ownerID, "notifications/"+url.PathEscape(id)+"/read")
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	return nil
}

func userPath(ownerID, leaf string) string {
	return "/v1/users/" + url.PathEscape(ownerID) + "/" + leaf
}
