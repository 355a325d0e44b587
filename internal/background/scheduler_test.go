// ABOUTME: Tests for the background revalidation scheduler
// ABOUTME: Covers trigger routing, leader gating, error isolation and the run loop

package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeGate struct {
	leader   bool
	acquires atomic.Int32
	released atomic.Bool
}

func (g *fakeGate) TryAcquire(context.Context) bool {
	g.acquires.Add(1)
	return g.leader
}

func (g *fakeGate) Release(context.Context) { g.released.Store(true) }

func TestScheduler_FireRoutesTriggers(t *testing.T) {
	s := New()
	var refetches, versions atomic.Int32

	s.Register(Task{Name: "refetch", Run: func(context.Context) error {
		refetches.Add(1)
		return nil
	}})
	s.Register(Task{Name: "version", Triggers: []Trigger{TriggerInterval}, Run: func(context.Context) error {
		versions.Add(1)
		return nil
	}})

	ctx := context.Background()
	assert.Equal(t, 1, s.Fire(ctx, TriggerVisibility))
	assert.Equal(t, 2, s.Fire(ctx, TriggerInterval))
	assert.Equal(t, int32(2), refetches.Load())
	assert.Equal(t, int32(1), versions.Load())
	assert.Equal(t, []string{"refetch", "version"}, s.Tasks())
}

func TestScheduler_LeaderOnlyGated(t *testing.T) {
	gate := &fakeGate{}
	s := New(WithGate(gate))

	var runs atomic.Int32
	for _, name := range []string{"a", "b"} {
		s.Register(Task{Name: name, LeaderOnly: true, Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}})
	}
	s.Register(Task{Name: "everyone", Run: func(context.Context) error { return nil }})

	ctx := context.Background()
	assert.Equal(t, 1, s.Fire(ctx, TriggerInterval))
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, int32(1), gate.acquires.Load(), "lease checked once per fire")

	gate.leader = true
	assert.Equal(t, 3, s.Fire(ctx, TriggerInterval))
	assert.Equal(t, int32(2), runs.Load())
}

func TestScheduler_TaskErrorDoesNotStopOthers(t *testing.T) {
	s := New()
	var ran atomic.Bool
	s.Register(Task{Name: "broken", Run: func(context.Context) error { return errors.New("boom") }})
	s.Register(Task{Name: "fine", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})

	assert.Equal(t, 2, s.Fire(context.Background(), TriggerOnline))
	assert.True(t, ran.Load())
}

func TestScheduler_RunDispatchesUntilCancelled(t *testing.T) {
	gate := &fakeGate{leader: true}
	s := New(WithInterval(20*time.Millisecond), WithGate(gate))

	var interval, online atomic.Int32
	s.Register(Task{Name: "interval", Triggers: []Trigger{TriggerInterval}, Run: func(context.Context) error {
		interval.Add(1)
		return nil
	}})
	s.Register(Task{Name: "online", Triggers: []Trigger{TriggerOnline}, Run: func(context.Context) error {
		online.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	s.Notify(TriggerOnline)
	assert.Eventually(t, func() bool { return online.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return interval.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, gate.released.Load())
}

func TestScheduler_NotifyNeverBlocks(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() {
		for range 100 {
			s.Notify(TriggerVisibility)
		}
	})
}
