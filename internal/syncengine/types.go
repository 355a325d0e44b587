// ABOUTME: Sync state machine vocabulary and the Remote the engine pushes to and pulls from
// ABOUTME: Changes are plain JSON so the queue survives restarts in the cache

package syncengine

import (
	"context"
	"encoding/json"
	"time"
)

// State is the sync engine's phase.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateError   State = "error"
)

// Direction is the data flow of the current phase.
type Direction string

const (
	DirectionNone Direction = ""
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Status is the engine's observable state. Progress is advisory only.
type Status struct {
	State          State     `json:"state"`
	PendingChanges int       `json:"pendingChanges"`
	LastError      string    `json:"lastError,omitempty"`
	LastSyncAt     time.Time `json:"lastSyncAt,omitzero"`
	IsOnline       bool      `json:"isOnline"`
	IsSyncing      bool      `json:"isSyncing"`
	Direction      Direction `json:"direction,omitempty"`
	Progress       int       `json:"progress"`
}

// Op is the kind of local mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one queued local write.
type Change struct {
	ID         string          `json:"id"`
	Resource   string          `json:"resource"`
	Op         Op              `json:"op"`
	RecordID   string          `json:"recordId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientTime time.Time       `json:"clientTime"`
}

// Outcome is the server's verdict on a pushed change.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSuperseded Outcome = "superseded"
)

// Ack is the server's reply to a push.
type Ack struct {
	Outcome    Outcome   `json:"outcome"`
	ServerTime time.Time `json:"serverTime"`
	Reason     string    `json:"reason,omitempty"`
}

// Record is one authoritative row in the working set.
type Record struct {
	Resource  string          `json:"resource"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Snapshot is the authoritative working set returned by a pull.
type Snapshot struct {
	Records    []Record  `json:"records"`
	ServerTime time.Time `json:"serverTime"`
}

// Remote is the authoritative server. A returned error means the transport
// failed; a rejected change is an Ack, not an error.
type Remote interface {
	Push(ctx context.Context, c Change) (Ack, error)
	Pull(ctx context.Context) (Snapshot, error)
}
