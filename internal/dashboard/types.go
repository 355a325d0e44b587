// ABOUTME: Records mirrored for the dashboard and the loader that fetches them
// ABOUTME: Stats is a derived aggregate and is always reloaded, never patched

package dashboard

import (
	"context"
	"time"
)

// Resource names used for change-feed channels.
const (
	ResourceNotifications     = "notifications"
	ResourceAutomations       = "automations"
	ResourceConnectedAccounts = "connected_accounts"
)

// Notification is an inbox item.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Automation is a scheduled job owned by the user.
type Automation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Schedule  string    `json:"schedule,omitempty"`
	LastRunAt time.Time `json:"lastRunAt,omitzero"`
}

// ConnectedAccount is a linked third-party account.
type ConnectedAccount struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Handle   string `json:"handle"`
	Status   string `json:"status"`
}

// Stats summarises the dashboard.
type Stats struct {
	TotalAutomations    int       `json:"totalAutomations"`
	ActiveAutomations   int       `json:"activeAutomations"`
	UnreadNotifications int       `json:"unreadNotifications"`
	ConnectedAccounts   int       `json:"connectedAccounts"`
	GeneratedAt         time.Time `json:"generatedAt"`
}

// Loader fetches authoritative dashboard data for an owner.
type Loader interface {
	Notifications(ctx context.Context, ownerID string) ([]Notification, error)
	Automations(ctx context.Context, ownerID string) ([]Automation, error)
	ConnectedAccounts(ctx context.Context, ownerID string) ([]ConnectedAccount, error)
	Stats(ctx context.Context, ownerID string) (Stats, error)
}

// Writer applies dashboard changes on the server.
type Writer interface {
	MarkNotificationRead(ctx context.Context, ownerID, id string) error
}
