// ABOUTME: In-process fan-out change-feed transport
// ABOUTME: Publishes row-change events to every subscriber of a channel and injects status transitions

package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("change feed hub closed")

type subscriber struct {
	ch       chan Event
	onStatus func(Status)
}

// Hub is an in-memory Transport. The engine uses it to relay events from the
// sync server to reconcilers, and tests use it to script event sequences.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // channel key -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "changefeed_hub"),
	}
}

// Subscribe registers a subscriber for ch and reports StatusSubscribed. The
// subscription is removed, and StatusClosed reported, when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, ch Channel, onStatus func(Status)) (<-chan Event, error) {
	subID := uuid.NewString()
	sub := &subscriber{
		ch:       make(chan Event, subscriberBufferSize),
		onStatus: onStatus,
	}
	key := ch.Key()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[string]*subscriber)
	}
	h.subscribers[key][subID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", key, "sub_id", subID)
	if onStatus != nil {
		onStatus(StatusSubscribed)
	}

	go func() {
		<-ctx.Done()
		h.unsubscribe(key, subID)
	}()

	return sub.ch, nil
}

// Publish sends ev to all subscribers of ev.Channel.
// Non-blocking: events are dropped for subscribers whose channels are full.
// A subscriber that misses an event sees StatusChannelError followed by
// StatusSubscribed, the same as a reconnect, so it knows to reload.
func (h *Hub) Publish(ev Event) {
	key := ev.Channel.Key()

	// Sends are non-blocking, so holding the read lock keeps a concurrent
	// unsubscribe from closing a channel mid-send.
	var lagged []func(Status)
	h.mu.RLock()
	for _, sub := range h.subscribers[key] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("dropped event for slow subscriber", "channel", key, "event_id", ev.ID)
			if sub.onStatus != nil {
				lagged = append(lagged, sub.onStatus)
			}
		}
	}
	h.mu.RUnlock()

	for _, fn := range lagged {
		fn(StatusChannelError)
		fn(StatusSubscribed)
	}
}

// PublishRow encodes rows into an event on ch and publishes it.
func (h *Hub) PublishRow(ch Channel, typ EventType, newRow, oldRow any) error {
	ev, err := NewEvent(ch, typ, newRow, oldRow)
	if err != nil {
		return err
	}
	h.Publish(ev)
	return nil
}

// EmitStatus reports st to every subscriber of ch, as a remote transport
// would on a dropped or restored connection.
func (h *Hub) EmitStatus(ch Channel, st Status) {
	h.mu.RLock()
	subs := h.subscribers[ch.Key()]
	callbacks := make([]func(Status), 0, len(subs))
	for _, sub := range subs {
		if sub.onStatus != nil {
			callbacks = append(callbacks, sub.onStatus)
		}
	}
	h.mu.RUnlock()

	for _, fn := range callbacks {
		fn(st)
	}
}

// Subscribers returns the number of live subscribers on ch.
func (h *Hub) Subscribers(ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[ch.Key()])
}

func (h *Hub) unsubscribe(key, subID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, exists := subs[subID]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(subs, subID)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subscribers, key)
	}
	h.mu.Unlock()

	h.logger.Debug("subscriber removed", "channel", key, "sub_id", subID)
	if sub.onStatus != nil {
		sub.onStatus(StatusClosed)
	}
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	var closed []*subscriber
	for key, subs := range h.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			closed = append(closed, sub)
			delete(subs, subID)
		}
		delete(h.subscribers, key)
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range closed {
		if sub.onStatus != nil {
			sub.onStatus(StatusClosed)
		}
	}
	h.logger.Debug("hub closed")
}

var _ Transport = (*Hub)(nil)
