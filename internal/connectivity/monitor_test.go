// ABOUTME: Tests for the connectivity monitor
// ABOUTME: Scripted probe results drive transitions, listener fan-out and contact recording

package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/2389/outpost/internal/probe"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []probe.Result
}

func (s *scriptedProber) Probe(context.Context) probe.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

type countingRecorder struct{ n int }

func (c *countingRecorder) RefreshExpiry(context.Context) bool {
	c.n++
	return true
}

func TestMonitor_CheckTransitions(t *testing.T) {
	p := &scriptedProber{results: []probe.Result{
		{Reachable: true, StatusCode: 401},
		{Reachable: true, StatusCode: 200},
		{Err: errors.New("connection refused")},
		{Reachable: true, StatusCode: 200},
	}}
	rec := &countingRecorder{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	m := New(p, WithContactRecorder(rec), WithClock(clock))

	var transitions []bool
	m.OnChange(func(_ context.Context, online bool) { transitions = append(transitions, online) })

	ctx := context.Background()
	assert.False(t, m.Online())

	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	assert.False(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))

	assert.Equal(t, []bool{true, false, true}, transitions)
	assert.Equal(t, 3, rec.n, "every reachable probe counts as contact")

	last, at := m.Last()
	assert.True(t, last.Reachable)
	assert.Equal(t, clock.Now(), at, "checks are stamped with the injected clock")
}

func TestMonitor_SetOnlyNotifiesOnChange(t *testing.T) {
	m := New(&scriptedProber{results: []probe.Result{{}}}, WithInitial(true))

	calls := 0
	m.OnChange(func(context.Context, bool) { calls++ })

	ctx := context.Background()
	m.Set(ctx, true)
	assert.Equal(t, 0, calls)
	m.Set(ctx, false)
	m.Set(ctx, false)
	assert.Equal(t, 1, calls)
	assert.False(t, m.Online())
}
