// Package livetrack is the viewer-side polling loop: it fetches a delivery
// snapshot on a fixed interval, keeps the accumulated trail, and drives a
// map view that either follows the vehicle or is left alone by the user.
package livetrack

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"trackd/internal/eta"
	"trackd/internal/geo"
	"trackd/internal/identity"
	"trackd/internal/logs"
	"trackd/internal/metrics"
	"trackd/internal/models"
	"trackd/internal/movement"
	"trackd/internal/trail"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 5 * time.Second

var ErrAlreadyStarted = errors.New("session already started")

type Lifecycle int

const (
	Idle Lifecycle = iota
	Polling
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("Lifecycle(%d)", int(l))
}

type ViewMode int

const (
	Following ViewMode = iota
	FreeView
)

func (m ViewMode) String() string {
	if m == FreeView {
		return "free"
	}
	return "following"
}

// Fetcher returns the snapshot for a tracking number. For an unassigned
// delivery it returns the partial snapshot together with identity.ErrUnassigned.
type Fetcher interface {
	Fetch(ctx context.Context, trackingID string) (trail.Snapshot, error)
}

// Frame is everything drawn for one successful tick.
type Frame struct {
	TrackingID  string
	Status      string
	Assigned    bool
	Vehicle     *geo.Point
	Destination geo.Point
	Origin      *trail.Origin
	Trail       []trail.Point
	Movement    movement.State
	ETA         *eta.Estimate
	UpdatedAt   time.Time
}

// MapView renders frames. Calls are serialized by the session.
type MapView interface {
	Render(f Frame)
	Recenter(p geo.Point)
}

type Options struct {
	Interval   time.Duration
	Classifier *movement.Classifier
	Estimator  *eta.Estimator
}

type Session struct {
	id         string
	trackingID string
	fetcher    Fetcher
	view       MapView
	interval   time.Duration
	classifier *movement.Classifier
	estimator  *eta.Estimator
	log        *logrus.Entry

	mu        sync.Mutex
	lifecycle Lifecycle
	mode      ViewMode
	trail     []trail.Point
	last      *Frame

	inFlight atomic.Bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSession(trackingID string, f Fetcher, v MapView, o Options) *Session {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Classifier == nil {
		o.Classifier = movement.NewClassifier(movement.DefaultThresholds())
	}
	if o.Estimator == nil {
		o.Estimator = &eta.Estimator{AvgSpeedKMH: eta.DefaultSpeedKMH}
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		trackingID: trackingID,
		fetcher:    f,
		view:       v,
		interval:   o.Interval,
		classifier: o.Classifier,
		estimator:  o.Estimator,
		log:        logs.Component("livetrack").WithFields(logrus.Fields{"session": id, "tracking_id": trackingID}),
		mode:       Following,
	}
}

func (s *Session) ID() string { return s.id }

// Start fetches once immediately, then on every interval until Stop or
// until parent is cancelled.
func (s *Session) Start(parent context.Context) error {
	s.mu.Lock()
	if s.lifecycle != Idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.lifecycle = Polling
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	s.tick(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick starts one fetch unless the previous one is still running.
func (s *Session) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.ClientTicks.WithLabelValues("skipped").Inc()
		s.log.Debug("previous fetch still running, tick skipped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		snap, err := s.fetcher.Fetch(ctx, s.trackingID)
		s.apply(ctx, snap, err)
	}()
}

func (s *Session) apply(ctx context.Context, snap trail.Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || s.lifecycle != Polling {
		metrics.ClientTicks.WithLabelValues("discarded").Inc()
		return
	}
	if err != nil && !errors.Is(err, identity.ErrUnassigned) {
		metrics.ClientTicks.WithLabelValues("failed").Inc()
		s.log.Warnf("fetch: %v", err)
		return
	}

	s.trail = mergeTrail(s.trail, snap.Trail)

	f := Frame{
		TrackingID:  s.trackingID,
		Status:      snap.Status,
		Assigned:    snap.Assigned,
		Destination: snap.Destination,
		Origin:      snap.Origin,
		Trail:       slices.Clone(s.trail),
		Movement:    s.classifier.ClassifyLatest(reports(s.trail)),
	}
	switch {
	case snap.Current != nil:
		f.Vehicle = &geo.Point{Lat: snap.Current.Lat, Lng: snap.Current.Lng}
		f.UpdatedAt = snap.Current.UpdatedAt
	case len(s.trail) > 0:
		last := s.trail[len(s.trail)-1]
		f.Vehicle = &geo.Point{Lat: last.Lat, Lng: last.Lng}
		f.UpdatedAt = last.Timestamp
	}
	if f.Vehicle != nil {
		est := s.estimator.Estimate(*f.Vehicle, f.Destination)
		f.ETA = &est
	}

	s.last = &f
	s.view.Render(f)
	if s.mode == Following {
		s.view.Recenter(focus(f))
	}
	metrics.ClientTicks.WithLabelValues("ok").Inc()
}

// focus is the vehicle when known, else the destination.
func focus(f Frame) geo.Point {
	if f.Vehicle != nil {
		return *f.Vehicle
	}
	return f.Destination
}

// mergeTrail appends only points the client has not seen. If the server
// trail no longer extends the local one, the server copy replaces it.
func mergeTrail(local, incoming []trail.Point) []trail.Point {
	n := len(local)
	if n == 0 {
		return slices.Clone(incoming)
	}
	if len(incoming) >= n && samePoint(incoming[n-1], local[n-1]) {
		return append(local, incoming[n:]...)
	}
	return slices.Clone(incoming)
}

func samePoint(a, b trail.Point) bool {
	return a.Lat == b.Lat && a.Lng == b.Lng && a.Timestamp.Equal(b.Timestamp)
}

func reports(pts []trail.Point) []models.PositionReport {
	if len(pts) > 2 {
		pts = pts[len(pts)-2:]
	}
	out := make([]models.PositionReport, len(pts))
	for i, p := range pts {
		out[i] = models.PositionReport{Lat: p.Lat, Lng: p.Lng, RecordedAt: p.Timestamp}
	}
	return out
}

// ToggleFollow flips between Following and FreeView. Switching back to
// Following recenters on the last known position right away.
func (s *Session) ToggleFollow() ViewMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Following {
		s.setModeLocked(FreeView)
	} else {
		s.setModeLocked(Following)
	}
	return s.mode
}

func (s *Session) SetFollow(follow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if follow {
		s.setModeLocked(Following)
	} else {
		s.setModeLocked(FreeView)
	}
}

func (s *Session) setModeLocked(m ViewMode) {
	prev := s.mode
	s.mode = m
	if m == Following && prev != Following && s.last != nil && s.lifecycle != Stopped {
		s.view.Recenter(focus(*s.last))
	}
}

// Stop cancels polling. It is idempotent; after it returns no tick runs
// and no fetch result is applied.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.lifecycle = Stopped
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.log.Debug("stopped")
	})
}

// Wait blocks until the loop and any in-flight fetch have returned.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) State() (Lifecycle, ViewMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle, s.mode
}

func (s *Session) Trail() []trail.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.trail)
}

// LastFrame is the most recent rendered frame, if any.
func (s *Session) LastFrame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Frame{}, false
	}
	return *s.last, true
}
