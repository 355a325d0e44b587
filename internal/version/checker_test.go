// ABOUTME: Tests for the server version poll
// ABOUTME: Fake clock covers min-interval skipping shared between instances and update callbacks

package version

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/outpost/internal/cache"
	"github.com/2389/outpost/internal/store"
)

type fakeSource struct {
	version string
	err     error
	calls   int
}

func (f *fakeSource) ServerVersion(context.Context) (string, error) {
	f.calls++
	return f.version, f.err
}

func TestChecker_DetectsUpdate(t *testing.T) {
	c := cache.New(store.NewMockStore(), clockwork.NewFakeClock(), nil)
	src := &fakeSource{version: "v1.4.0"}

	var notified []Result
	checker := New(c, src, "v1.3.2", OnUpdate(func(r Result) { notified = append(notified, r) }))

	res, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "v1.4.0", res.Remote)
	require.Len(t, notified, 1)
}

func TestChecker_SameVersion(t *testing.T) {
	c := cache.New(store.NewMockStore(), clockwork.NewFakeClock(), nil)
	res, err := New(c, &fakeSource{version: "v1"}, "v1").Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.UpdateAvailable)
}

func TestChecker_MinIntervalSharedAcrossInstances(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := cache.New(store.NewMockStore(), clock, nil)
	src := &fakeSource{version: "v1"}
	ctx := context.Background()

	first := New(c, src, "v1")
	second := New(c, src, "v1")

	_, err := first.Check(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := second.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, src.calls)

	clock.Advance(5 * time.Minute)
	res, err = second.Check(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, src.calls)
}

func TestChecker_ErrorDoesNotRecordCheck(t *testing.T) {
	c := cache.New(store.NewMockStore(), clockwork.NewFakeClock(), nil)
	src := &fakeSource{err: errors.New("offline")}
	checker := New(c, src, "v1")

	assert.Error(t, checker.Task(context.Background()))

	src.err = nil
	src.version = "v1"
	res, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped, "failed check does not start the interval")
}
