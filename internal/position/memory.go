package position

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"trackd/internal/models"
)

type deviceLog struct {
	mu      sync.Mutex
	reports []models.PositionReport
	current models.CurrentPosition
}

// MemBackend keeps everything in process memory. It is used when no
// database is configured and in tests.
type MemBackend struct {
	mu      sync.RWMutex
	devices map[string]*deviceLog
	nextID  atomic.Uint64
}

func NewMemBackend() *MemBackend {
	return &MemBackend{devices: map[string]*deviceLog{}}
}

func (m *MemBackend) device(id string, create bool) *deviceLog {
	m.mu.RLock()
	d := m.devices[id]
	m.mu.RUnlock()
	if d != nil || !create {
		return d
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d = m.devices[id]; d == nil {
		d = &deviceLog{}
		m.devices[id] = d
	}
	return d
}

func (m *MemBackend) Save(ctx context.Context, r models.PositionReport) (models.PositionReport, error) {
	if err := ctx.Err(); err != nil {
		return models.PositionReport{}, err
	}
	d := m.device(r.DeviceID, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	r.ID = uint(m.nextID.Add(1))
	d.reports = append(d.reports, r)
	d.current = models.CurrentPosition{DeviceID: r.DeviceID, Lat: r.Lat, Lng: r.Lng, UpdatedAt: r.RecordedAt}
	return r, nil
}

func (m *MemBackend) Current(ctx context.Context, deviceID string) (models.CurrentPosition, bool, error) {
	d := m.device(deviceID, false)
	if d == nil {
		return models.CurrentPosition{}, false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, true, nil
}

func (m *MemBackend) snapshot(deviceID string) []models.PositionReport {
	d := m.device(deviceID, false)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	out := slices.Clone(d.reports)
	d.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

func (m *MemBackend) History(ctx context.Context, deviceID string) Trail {
	return func(yield func(models.PositionReport, error) bool) {
		for _, r := range m.snapshot(deviceID) {
			if err := ctx.Err(); err != nil {
				yield(models.PositionReport{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *MemBackend) Latest(ctx context.Context, deviceID string, n int) ([]models.PositionReport, error) {
	all := m.snapshot(deviceID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (m *MemBackend) Devices(ctx context.Context) ([]models.CurrentPosition, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]models.CurrentPosition, 0, len(ids))
	for _, id := range ids {
		cp, ok, _ := m.Current(ctx, id)
		if ok {
			out = append(out, cp)
		}
	}
	return out, nil
}
