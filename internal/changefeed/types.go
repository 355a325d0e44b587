// ABOUTME: Change-feed vocabulary shared by transports, the registry and reconcilers
// ABOUTME: Defines channels, row-change events, subscription statuses and the Transport interface

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Status is a subscription lifecycle notification. A transport may report
// any status more than once.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Healthy reports whether events are flowing.
func (s Status) Healthy() bool {
	return s == StatusSubscribed
}

// Channel names the change stream for one resource filtered to one owner.
type Channel struct {
	Resource string `json:"resource"`
	OwnerID  string `json:"ownerId"`
}

// Key returns the channel's registry key.
func (c Channel) Key() string {
	return c.Resource + ":" + c.OwnerID
}

func (c Channel) String() string {
	return c.Key()
}

// Event is one row change. New is set for insert and update, Old for update
// and delete.
type Event struct {
	ID      string          `json:"id"`
	Channel Channel         `json:"channel"`
	Type    EventType       `json:"type"`
	New     json.RawMessage `json:"new,omitempty"`
	Old     json.RawMessage `json:"old,omitempty"`
	At      time.Time       `json:"at"`
}

// NewEvent builds an event, encoding newRow and oldRow when non-nil.
func NewEvent(ch Channel, typ EventType, newRow, oldRow any) (Event, error) {
	ev := Event{
		ID:      uuid.NewString(),
		Channel: ch,
		Type:    typ,
		At:      time.Now(),
	}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, fmt.Errorf("encoding new row: %w", err)
		}
		ev.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, fmt.Errorf("encoding old row: %w", err)
		}
		ev.Old = raw
	}
	return ev, nil
}

// Transport delivers change events for a channel. The returned channel is
// closed when ctx ends or the transport shuts down. onStatus may be called
// from any goroutine, any number of times.
type Transport interface {
	Subscribe(ctx context.Context, ch Channel, onStatus func(Status)) (<-chan Event, error)
}
