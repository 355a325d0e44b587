// ABOUTME: Per-instance registry holding at most one live subscription per channel
// ABOUTME: Re-registering a channel tears down the previous subscription before starting the new one

package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type registration struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks this instance's subscriptions keyed by Channel.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*registration
	logger *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[string]*registration),
		logger: logger.With("component", "changefeed_registry"),
	}
}

// Register subscribes to ch on t and delivers events to handler in arrival
// order on a dedicated goroutine. An existing registration for ch is stopped
// first, so at most one is live.
func (r *Registry) Register(ctx context.Context, ch Channel, t Transport, handler func(Event), onStatus func(Status)) error {
	key := ch.Key()
	r.Unregister(ch)

	subCtx, cancel := context.WithCancel(ctx)
	events, err := t.Subscribe(subCtx, ch, onStatus)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to %s: %w", key, err)
	}

	reg := &registration{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if prev, ok := r.subs[key]; ok {
		// Lost a race with a concurrent Register for the same channel.
		prev.cancel()
	}
	r.subs[key] = reg
	r.mu.Unlock()

	go func() {
		defer close(reg.done)
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				handler(ev)
			}
		}
	}()

	r.logger.Debug("registered subscription", "channel", key)
	return nil
}

// Unregister stops the subscription for ch and waits for its handler
// goroutine to exit.
func (r *Registry) Unregister(ch Channel) {
	r.mu.Lock()
	reg, ok := r.subs[ch.Key()]
	if ok {
		delete(r.subs, ch.Key())
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	reg.cancel()
	<-reg.done
	r.logger.Debug("unregistered subscription", "channel", ch.Key())
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.subs
	r.subs = make(map[string]*registration)
	r.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
		<-reg.done
	}
}
