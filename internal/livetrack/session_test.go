package livetrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trackd/internal/geo"
	"trackd/internal/identity"
	"trackd/internal/movement"
	"trackd/internal/trail"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type recordingView struct {
	mu        sync.Mutex
	frames    []Frame
	recenters []geo.Point
}

func (v *recordingView) Render(f Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, f)
}

func (v *recordingView) Recenter(p geo.Point) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recenters = append(v.recenters, p)
}

func (v *recordingView) counts() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.frames), len(v.recenters)
}

type fetchFunc func(ctx context.Context, id string) (trail.Snapshot, error)

func (f fetchFunc) Fetch(ctx context.Context, id string) (trail.Snapshot, error) { return f(ctx, id) }

func d1Snapshot() trail.Snapshot {
	return trail.Snapshot{
		TrackingID:  "T1",
		DeviceID:    "D1",
		Assigned:    true,
		Destination: geo.Point{Lat: 14.21, Lng: 121.11},
		Current:     &trail.Current{Lat: 14.2002, Lng: 121.1002, UpdatedAt: t0.Add(8 * time.Minute)},
		Trail: []trail.Point{
			{Lat: 14.20, Lng: 121.10, Timestamp: t0},
			{Lat: 14.2002, Lng: 121.1002, Timestamp: t0.Add(2 * time.Minute)},
			{Lat: 14.2002, Lng: 121.1002, Timestamp: t0.Add(8 * time.Minute)},
		},
	}
}

func staticFetcher(s trail.Snapshot) fetchFunc {
	return func(context.Context, string) (trail.Snapshot, error) { return s, nil }
}

func TestStartRendersAndFollows(t *testing.T) {
	view := &recordingView{}
	s := NewSession("T1", staticFetcher(d1Snapshot()), view, Options{Interval: time.Hour})

	lc, mode := s.State()
	assert.Equal(t, Idle, lc)
	assert.Equal(t, Following, mode)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { n, _ := view.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

	f, ok := s.LastFrame()
	require.True(t, ok)
	assert.Equal(t, movement.Stopped, f.Movement)
	require.NotNil(t, f.ETA)
	assert.Equal(t, 2, f.ETA.ETAMinutes)
	assert.Len(t, f.Trail, 3)

	view.mu.Lock()
	require.Len(t, view.recenters, 1)
	assert.Equal(t, geo.Point{Lat: 14.2002, Lng: 121.1002}, view.recenters[0])
	view.mu.Unlock()

	s.Stop()
	s.Stop()
	s.Wait()
	lc, _ = s.State()
	assert.Equal(t, Stopped, lc)
}

func TestFreeViewDoesNotRecenter(t *testing.T) {
	view := &recordingView{}
	s := NewSession("T1", staticFetcher(d1Snapshot()), view, Options{Interval: time.Hour})
	s.SetFollow(false)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { n, _ := view.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	_, rc := view.counts()
	assert.Equal(t, 0, rc)

	assert.Equal(t, Following, s.ToggleFollow())
	_, rc = view.counts()
	assert.Equal(t, 1, rc, "returning to follow recenters immediately")

	assert.Equal(t, FreeView, s.ToggleFollow())
	_, rc = view.counts()
	assert.Equal(t, 1, rc)

	s.Stop()
	s.Wait()
}

func TestResponseAfterStopIsDiscarded(t *testing.T) {
	view := &recordingView{}
	release := make(chan struct{})
	called := make(chan struct{}, 1)
	fetch := fetchFunc(func(context.Context, string) (trail.Snapshot, error) {
		called <- struct{}{}
		<-release // ignores cancellation on purpose
		return d1Snapshot(), nil
	})
	s := NewSession("T1", fetch, view, Options{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	<-called
	s.Stop()
	close(release)
	s.Wait()

	n, rc := view.counts()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, rc)
	_, ok := s.LastFrame()
	assert.False(t, ok)
	assert.Empty(t, s.Trail())
}

func TestParentCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession("T1", staticFetcher(d1Snapshot()), &recordingView{}, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, s.Start(ctx))
	cancel()
	s.Wait()
	lc, _ := s.State()
	assert.Equal(t, Stopped, lc)
}

func TestSkipWhileInFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := fetchFunc(func(ctx context.Context, _ string) (trail.Snapshot, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return d1Snapshot(), nil
	})
	s := NewSession("T1", fetch, &recordingView{}, Options{Interval: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "overlapping ticks are skipped")

	close(release)
	require.Eventually(t, func() bool { return calls.Load() > 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Wait()
}

func TestFailuresKeepPolling(t *testing.T) {
	var calls atomic.Int32
	fetch := fetchFunc(func(context.Context, string) (trail.Snapshot, error) {
		if calls.Add(1) <= 2 {
			return trail.Snapshot{}, errors.New("network unreachable")
		}
		return d1Snapshot(), nil
	})
	view := &recordingView{}
	s := NewSession("T1", fetch, view, Options{Interval: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { n, _ := view.counts(); return n >= 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	s.Stop()
	s.Wait()
}

func TestUnassignedRendersDestination(t *testing.T) {
	snap := trail.Snapshot{TrackingID: "T2", Destination: geo.Point{Lat: 14.3, Lng: 121.2}, Status: "Processing", Trail: []trail.Point{}}
	fetch := fetchFunc(func(context.Context, string) (trail.Snapshot, error) { return snap, identity.ErrUnassigned })
	view := &recordingView{}
	s := NewSession("T2", fetch, view, Options{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { n, _ := view.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	f, _ := s.LastFrame()
	assert.False(t, f.Assigned)
	assert.Nil(t, f.Vehicle)
	assert.Nil(t, f.ETA)
	view.mu.Lock()
	assert.Equal(t, []geo.Point{{Lat: 14.3, Lng: 121.2}}, view.recenters)
	view.mu.Unlock()

	s.Stop()
	s.Wait()
}

func TestMergeTrail(t *testing.T) {
	p := func(i int) trail.Point {
		return trail.Point{Lat: float64(i), Lng: float64(i), Timestamp: t0.Add(time.Duration(i) * time.Minute)}
	}

	got := mergeTrail(nil, []trail.Point{p(1), p(2)})
	assert.Equal(t, []trail.Point{p(1), p(2)}, got)

	got = mergeTrail(got, []trail.Point{p(1), p(2), p(3)})
	assert.Equal(t, []trail.Point{p(1), p(2), p(3)}, got)

	got = mergeTrail(got, []trail.Point{p(1), p(2), p(3)})
	assert.Len(t, got, 3, "no duplicates")

	got = mergeTrail(got, []trail.Point{p(7)})
	assert.Equal(t, []trail.Point{p(7)}, got, "diverged server trail replaces local")
}
