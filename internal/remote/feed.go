// ABOUTME: Server-sent-events change feed that satisfies changefeed.Transport
// ABOUTME: Reconnects with backoff, resumes from the last event ID and reports connection state

package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/outpost/internal/changefeed"
)

// Feed defaults.
const (
	DefaultRetryDelay     = time.Second
	MaxRetryDelay         = time.Minute
	DefaultConnectTimeout = 15 * time.Second

	feedBufferSize = 64
	maxEventBytes  = 1 << 20
)

var (
	errConnectTimeout = errors.New("change stream did not open in time")
	errStreamEnded    = errors.New("change stream ended")
)

var _ changefeed.Transport = (*Feed)(nil)

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithRetryDelay sets the first reconnect delay. It doubles on each failed
// attempt up to MaxRetryDelay and resets once a stream opens.
func WithRetryDelay(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.retry = d
		}
	}
}

// WithConnectTimeout bounds how long the service may take to open a stream.
// Running out reports StatusTimedOut.
func WithConnectTimeout(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.connectTimeout = d
		}
	}
}

// WithFeedClock sets the clock used for backoff and the connect timeout.
func WithFeedClock(c clockwork.Clock) FeedOption {
	return func(f *Feed) {
		if c != nil {
			f.clock = c
		}
	}
}

// Feed streams row changes from GET /v1/users/{owner}/{resource}/changes.
type Feed struct {
	client         *Client
	http           *http.Client
	clock          clockwork.Clock
	retry          time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger
}

// Feed returns a change-feed transport sharing c's base URL, credentials and
// HTTP transport. Streams are long-lived, so the request timeout is not applied.
func (c *Client) Feed(opts ...FeedOption) *Feed {
	f := &Feed{
		client:         c,
		http:           &http.Client{Transport: c.http.Transport},
		clock:          clockwork.NewRealClock(),
		retry:          DefaultRetryDelay,
		connectTimeout: DefaultConnectTimeout,
		logger:         c.logger.With("subsystem", "feed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FeedPath returns the stream path for ch.
func FeedPath(ch changefeed.Channel) string {
	return userPath(ch.OwnerID, url.PathEscape(ch.Resource)+"/changes")
}

// Subscribe opens the stream for ch in the background and returns at once.
// onStatus sees StatusSubscribed each time a stream opens, StatusChannelError
// or StatusTimedOut when one fails, and StatusClosed once ctx ends.
func (f *Feed) Subscribe(ctx context.Context, ch changefeed.Channel, onStatus func(changefeed.Status)) (<-chan changefeed.Event, error) {
	if onStatus == nil {
		onStatus = func(changefeed.Status) {}
	}
	out := make(chan changefeed.Event, feedBufferSize)
	go f.run(ctx, ch, out, onStatus)
	return out, nil
}

func (f *Feed) run(ctx context.Context, ch changefeed.Channel, out chan<- changefeed.Event, onStatus func(changefeed.Status)) {
	defer func() {
		close(out)
		onStatus(changefeed.StatusClosed)
	}()

	logger := f.logger.With("channel", ch.Key())
	delay := f.retry
	var lastID string
	for {
		opened, err := f.stream(ctx, ch, &lastID, out, onStatus)
		if ctx.Err() != nil {
			return
		}
		if opened {
			delay = f.retry
		}

		if errors.Is(err, errConnectTimeout) {
			onStatus(changefeed.StatusTimedOut)
		} else {
			onStatus(changefeed.StatusChannelError)
		}
		logger.Warn("change stream interrupted, reconnecting", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(delay):
		}
		delay = min(delay*2, MaxRetryDelay)
	}
}

// stream holds one connection open until it fails. opened reports whether the
// service accepted the subscription. lastID tracks the newest event ID across
// reconnects.
func (f *Feed) stream(ctx context.Context, ch changefeed.Channel, lastID *string, out chan<- changefeed.Event, onStatus func(changefeed.Status)) (opened bool, err error) {
	path := FeedPath(ch)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, f.client.URL(path), nil)
	if err != nil {
		return false, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}
	f.client.authorize(ctx, req)

	var timedOut atomic.Bool
	timer := f.clock.AfterFunc(f.connectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	resp, err := f.http.Do(req)
	timer.Stop()
	if err != nil {
		if timedOut.Load() {
			return false, errConnectTimeout
		}
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, statusError(http.MethodGet, path, resp)
	}

	f.logger.Debug("change stream open", "channel", ch.Key())
	onStatus(changefeed.StatusSubscribed)
	return true, f.read(ctx, ch, resp.Body, lastID, out, onStatus)
}

// read parses the event stream. Each event's data is one JSON changefeed.Event;
// comment lines are heartbeats.
func (f *Feed) read(ctx context.Context, ch changefeed.Channel, body io.Reader, lastID *string, out chan<- changefeed.Event, onStatus func(changefeed.Status)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)

	var id string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				if err := f.dispatch(ctx, ch, id, strings.Join(dataLines, "\n"), out, onStatus); err != nil {
					return err
				}
				if id != "" {
					*lastID = id
				}
			}
			id = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading change stream: %w", err)
	}
	return errStreamEnded
}

func (f *Feed) dispatch(ctx context.Context, ch changefeed.Channel, id, data string, out chan<- changefeed.Event, onStatus func(changefeed.Status)) error {
	var ev changefeed.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		// The row is lost; a flap tells the reconciler to reload.
		f.logger.Warn("undecodable change event", "channel", ch.Key(), "error", err)
		onStatus(changefeed.StatusChannelError)
		onStatus(changefeed.StatusSubscribed)
		return nil
	}
	if ev.ID == "" {
		ev.ID = id
	}
	if ev.Channel == (changefeed.Channel{}) {
		ev.Channel = ch
	}

	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
