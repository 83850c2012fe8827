package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"trackd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns t0, t0+step, t0+2*step, ...
func stepClock(t0 time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := t0.Add(time.Duration(n) * step)
		n++
		return t
	}
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestRecordValidation(t *testing.T) {
	s := NewStore(NewMemBackend())
	ctx := context.Background()

	tests := []struct {
		name     string
		device   string
		lat, lng float64
		want     error
	}{
		{"empty device", "", 14.2, 121.1, ErrMissingDevice},
		{"blank device", "   ", 14.2, 121.1, ErrMissingDevice},
		{"lat out of range", "D1", 91, 0, ErrInvalidCoordinate},
		{"lng out of range", "D1", 0, -181, ErrInvalidCoordinate},
		{"nan", "D1", math.NaN(), 0, ErrInvalidCoordinate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Record(ctx, tt.device, tt.lat, tt.lng)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, IsValidation(err))
		})
	}

	_, err := s.CurrentPosition(ctx, "D1")
	assert.ErrorIs(t, err, ErrNotFound, "rejected reports must not write")
}

func TestRecordAndCurrent(t *testing.T) {
	s := NewStore(NewMemBackend(), WithClock(stepClock(t0, time.Minute)))
	ctx := context.Background()

	ack, err := s.Record(ctx, " D1 ", 14.20, 121.10)
	require.NoError(t, err)
	assert.Equal(t, "D1", ack.DeviceID)
	assert.Equal(t, t0, ack.Timestamp)

	_, err = s.Record(ctx, "D1", 14.21, 121.11)
	require.NoError(t, err)

	cp, err := s.CurrentPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 14.21, cp.Lat)
	assert.Equal(t, 121.11, cp.Lng)
	assert.Equal(t, t0.Add(time.Minute), cp.UpdatedAt)

	_, err = s.CurrentPosition(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentIsLastWriteUnderInterleaving(t *testing.T) {
	b := NewMemBackend()
	s := NewStore(b)
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Record(ctx, "D1", float64(w), float64(i))
				assert.NoError(t, err)
				_, err = s.Record(ctx, fmt.Sprintf("other-%d", w), 1, 1)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	all, err := Collect(s.History(ctx, "D1"))
	require.NoError(t, err)
	require.Len(t, all, writers*perWriter)

	// The last appended report is the one whose save committed last.
	var last models.PositionReport
	for _, r := range b.devices["D1"].reports {
		last = r
	}
	cp, err := s.CurrentPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, last.Lat, cp.Lat)
	assert.Equal(t, last.Lng, cp.Lng)

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, writers+1)
}

func TestHistoryAscendingNoDuplicates(t *testing.T) {
	s := NewStore(NewMemBackend(), WithClock(stepClock(t0, 30*time.Second)))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.Record(ctx, "D1", 14.2+float64(i)*0.0001, 121.1)
		require.NoError(t, err)
	}

	got, err := Collect(s.History(ctx, "D1"))
	require.NoError(t, err)
	require.Len(t, got, 20)
	seen := map[uint]bool{}
	for i, r := range got {
		assert.False(t, seen[r.ID], "duplicate id %d", r.ID)
		seen[r.ID] = true
		if i > 0 {
			assert.False(t, r.RecordedAt.Before(got[i-1].RecordedAt))
		}
	}

	cp, err := s.CurrentPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, got[len(got)-1].Lat, cp.Lat)
}

func TestHistoryRestartable(t *testing.T) {
	s := NewStore(NewMemBackend(), WithClock(stepClock(t0, time.Second)))
	ctx := context.Background()
	trail := s.History(ctx, "D1")

	first, err := Collect(trail)
	require.NoError(t, err)
	assert.Empty(t, first)

	_, err = s.Record(ctx, "D1", 1, 1)
	require.NoError(t, err)
	_, err = s.Record(ctx, "D1", 2, 2)
	require.NoError(t, err)

	second, err := Collect(trail)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	// early break
	n := 0
	for range trail {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestLatest(t *testing.T) {
	s := NewStore(NewMemBackend(), WithClock(stepClock(t0, time.Second)))
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Record(ctx, "D1", float64(i), 0)
		require.NoError(t, err)
	}

	got, err := s.Latest(ctx, "D1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Lat)
	assert.Equal(t, 5.0, got[1].Lat)

	got, err = s.Latest(ctx, "D1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.Latest(ctx, "nobody", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type failingBackend struct{ *MemBackend }

var errDown = errors.New("db down")

func (failingBackend) Save(context.Context, models.PositionReport) (models.PositionReport, error) {
	return models.PositionReport{}, errDown
}

func TestRecordPersistenceError(t *testing.T) {
	s := NewStore(failingBackend{NewMemBackend()})
	_, err := s.Record(context.Background(), "D1", 1, 1)
	require.Error(t, err)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "record", pe.Op)
	assert.ErrorIs(t, err, errDown)
	assert.False(t, IsValidation(err))
}

type fakeCache struct {
	mu          sync.Mutex
	items       map[string]models.CurrentPosition
	invalidated []string
	getErr      error
}

func (c *fakeCache) Get(_ context.Context, id string) (models.CurrentPosition, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return models.CurrentPosition{}, false, c.getErr
	}
	cp, ok := c.items[id]
	return cp, ok, nil
}

func (c *fakeCache) Set(_ context.Context, cp models.CurrentPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cp.DeviceID] = cp
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func TestCacheAside(t *testing.T) {
	cache := &fakeCache{items: map[string]models.CurrentPosition{}}
	s := NewStore(NewMemBackend(), WithCache(cache))
	ctx := context.Background()

	_, err := s.Record(ctx, "D1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, cache.invalidated)

	cp, err := s.CurrentPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, cp, cache.items["D1"], "miss fills the cache")

	_, err = s.Record(ctx, "D1", 2, 2)
	require.NoError(t, err)
	_, cached := cache.items["D1"]
	assert.False(t, cached, "write invalidates")

	cp, err = s.CurrentPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, cp.Lat)

	cache.getErr = errors.New("redis down")
	cp, err = s.CurrentPosition(ctx, "D1")
	require.NoError(t, err, "cache failures fall back to the backend")
	assert.Equal(t, 2.0, cp.Lat)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []models.PositionReport
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, r models.PositionReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("no broker")
	}
	p.got = append(p.got, r)
	return nil
}

func TestPublishOnRecord(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewStore(NewMemBackend(), WithPublisher(pub), WithClock(stepClock(t0, time.Second)))
	ctx := context.Background()

	_, err := s.Record(ctx, "D1", 1, 2)
	require.NoError(t, err)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "D1", pub.got[0].DeviceID)
	assert.Equal(t, t0, pub.got[0].RecordedAt)

	pub.fail = true
	_, err = s.Record(ctx, "D1", 1, 2)
	assert.NoError(t, err, "publish failure does not fail the write")
}
