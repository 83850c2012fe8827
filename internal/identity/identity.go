// Package identity maps a customer-facing tracking number to the device
// carrying the delivery and to its destination.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"trackd/internal/geo"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrNotFound: the tracking number does not exist.
	ErrNotFound = errors.New("tracking number not found")
	// ErrUnassigned: the delivery exists but no device has been dispatched yet.
	ErrUnassigned = errors.New("no device assigned")
)

type Association struct {
	TrackingID  string    `json:"tracking_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Destination geo.Point `json:"destination"`
	Status      string    `json:"status,omitempty"`
}

// Assigned reports whether a device carries the delivery.
func (a Association) Assigned() bool { return a.DeviceID != "" }

// Resolver looks up tracking numbers. On ErrUnassigned the returned
// Association still carries the destination and status.
type Resolver interface {
	Resolve(ctx context.Context, trackingID string) (Association, error)
}

// MemResolver is a fixed in-memory table of associations.
type MemResolver struct {
	mu    sync.RWMutex
	items map[string]Association
}

func NewMemResolver(as ...Association) *MemResolver {
	m := &MemResolver{items: map[string]Association{}}
	for _, a := range as {
		m.Put(a)
	}
	return m
}

func (m *MemResolver) Put(a Association) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.TrackingID] = a
}

func (m *MemResolver) Resolve(_ context.Context, trackingID string) (Association, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return Association{}, ErrNotFound
	}
	m.mu.RLock()
	a, ok := m.items[trackingID]
	m.mu.RUnlock()
	if !ok {
		return Association{}, ErrNotFound
	}
	if !a.Assigned() {
		return a, ErrUnassigned
	}
	return a, nil
}

type memoEntry struct {
	a   Association
	err error
}

// DefaultMemoSize bounds how many tracking numbers Memo remembers.
const DefaultMemoSize = 10000

// Memo caches resolutions for a short TTL in a bounded LRU. Backend errors
// other than ErrNotFound and ErrUnassigned are never cached.
type Memo struct {
	next    Resolver
	entries *expirable.LRU[string, memoEntry]
}

func NewMemo(next Resolver, size int, ttl time.Duration) *Memo {
	if size <= 0 {
		size = DefaultMemoSize
	}
	return &Memo{next: next, entries: expirable.NewLRU[string, memoEntry](size, nil, ttl)}
}

func (m *Memo) Resolve(ctx context.Context, trackingID string) (Association, error) {
	key := strings.TrimSpace(trackingID)
	if e, ok := m.entries.Get(key); ok {
		return e.a, e.err
	}

	a, err := m.next.Resolve(ctx, key)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnassigned) {
		m.entries.Add(key, memoEntry{a: a, err: err})
	}
	return a, err
}

// Len is the number of remembered tracking numbers.
func (m *Memo) Len() int { return m.entries.Len() }
