// ABOUTME: Tests for the Debouncer and Throttle refetch limiters
// ABOUTME: Covers collapsing, last-value-wins, flush, stop and per-key intervals

package fetch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestDebouncer_CollapsesToLastValue(t *testing.T) {
	var mu sync.Mutex
	var got []int
	d := NewDebouncer(20*time.Millisecond, func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}, nil)

	for i := 1; i <= 5; i++ {
		d.Add(i)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5}, got)
}

func TestDebouncer_FlushRunsImmediately(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour, func(struct{}) { calls.Add(1) }, nil)

	d.Add(struct{}{})
	assert.True(t, d.Pending())

	d.Flush()
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())

	d.Flush()
	assert.Equal(t, int32(1), calls.Load(), "nothing pending")
}

func TestDebouncer_Stop(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func(struct{}) { calls.Add(1) }, nil)

	d.Add(struct{}{})
	d.Stop()
	d.Add(struct{}{})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDebouncer_FollowsInjectedClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fired := make(chan string, 1)
	d := NewDebouncer(time.Minute, func(v string) { fired <- v }, clock)

	d.Add("first")
	d.Add("second")
	clock.Advance(59 * time.Second)
	assert.True(t, d.Pending())

	clock.Advance(time.Second)
	select {
	case v := <-fired:
		assert.Equal(t, "second", v)
	case <-time.After(time.Second):
		t.Fatal("debouncer did not fire after the fake clock passed the window")
	}
	assert.False(t, d.Pending())
}

func TestThrottle_Allow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	th := NewThrottle(time.Minute, clock)

	assert.True(t, th.Allow("automations"))
	assert.False(t, th.Allow("automations"))
	assert.True(t, th.Allow("notifications"), "keys are independent")

	clock.Advance(time.Minute)
	assert.True(t, th.Allow("automations"))

	th.Reset("automations")
	assert.True(t, th.Allow("automations"))
}
