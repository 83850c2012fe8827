// Package position is the authoritative record of where devices are: an
// append-only report history plus one mutable current position per device.
package position

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"trackd/internal/geo"
	"trackd/internal/logs"
	"trackd/internal/metrics"
	"trackd/internal/models"

	"github.com/sirupsen/logrus"
)

// Trail is a lazy, ascending-by-time sequence of reports. Every range over
// it re-reads the backend, so a Trail can be iterated more than once.
type Trail = iter.Seq2[models.PositionReport, error]

// Backend persists reports. Save must append the report and upsert the
// device's current position as one atomic step; concurrent saves for the
// same device resolve as last commit wins.
type Backend interface {
	Save(ctx context.Context, r models.PositionReport) (models.PositionReport, error)
	Current(ctx context.Context, deviceID string) (models.CurrentPosition, bool, error)
	History(ctx context.Context, deviceID string) Trail
	Latest(ctx context.Context, deviceID string, n int) ([]models.PositionReport, error)
	Devices(ctx context.Context) ([]models.CurrentPosition, error)
}

// CurrentCache is an optional read-through cache of current positions.
type CurrentCache interface {
	Get(ctx context.Context, deviceID string) (models.CurrentPosition, bool, error)
	Set(ctx context.Context, cp models.CurrentPosition) error
	Invalidate(ctx context.Context, deviceID string) error
}

// Publisher receives every accepted report (event fan-out).
type Publisher interface {
	Publish(ctx context.Context, r models.PositionReport) error
}

// Ack confirms a stored report.
type Ack struct {
	DeviceID  string    `json:"device_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type Store struct {
	backend Backend
	cache   CurrentCache
	pub     Publisher
	now     func() time.Time
	log     *logrus.Entry
}

type Option func(*Store)

func WithCache(c CurrentCache) Option       { return func(s *Store) { s.cache = c } }
func WithPublisher(p Publisher) Option      { return func(s *Store) { s.pub = p } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		now:     time.Now,
		log:     logs.Component("position"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record validates and stores one report with a server-assigned timestamp.
func (s *Store) Record(ctx context.Context, deviceID string, lat, lng float64) (Ack, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		metrics.ReportsRecorded.WithLabelValues("invalid").Inc()
		return Ack{}, ErrMissingDevice
	}
	if err := (geo.Point{Lat: lat, Lng: lng}).Validate(); err != nil {
		metrics.ReportsRecorded.WithLabelValues("invalid").Inc()
		return Ack{}, err
	}

	saved, err := s.backend.Save(ctx, models.PositionReport{
		DeviceID:   deviceID,
		Lat:        lat,
		Lng:        lng,
		RecordedAt: s.now().UTC(),
	})
	if err != nil {
		metrics.ReportsRecorded.WithLabelValues("error").Inc()
		return Ack{}, &PersistenceError{Op: "record", Err: err}
	}
	metrics.ReportsRecorded.WithLabelValues("ok").Inc()

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, deviceID); err != nil {
			s.log.WithField("device_id", deviceID).Warnf("cache invalidate: %v", err)
		}
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, saved); err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			s.log.WithField("device_id", deviceID).Warnf("publish: %v", err)
		} else {
			metrics.EventsPublished.WithLabelValues("ok").Inc()
		}
	}

	return Ack{DeviceID: deviceID, Lat: saved.Lat, Lng: saved.Lng, Timestamp: saved.RecordedAt}, nil
}

// CurrentPosition returns ErrNotFound for a device that never reported.
func (s *Store) CurrentPosition(ctx context.Context, deviceID string) (models.CurrentPosition, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return models.CurrentPosition{}, ErrMissingDevice
	}

	if s.cache != nil {
		cp, ok, err := s.cache.Get(ctx, deviceID)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			s.log.WithField("device_id", deviceID).Debugf("cache get: %v", err)
		case ok:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cp, nil
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	cp, ok, err := s.backend.Current(ctx, deviceID)
	if err != nil {
		return models.CurrentPosition{}, &PersistenceError{Op: "current", Err: err}
	}
	if !ok {
		return models.CurrentPosition{}, ErrNotFound
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cp); err != nil {
			s.log.WithField("device_id", deviceID).Debugf("cache set: %v", err)
		}
	}
	return cp, nil
}

// History is the device's full trail, oldest first. An unknown device
// yields an empty trail.
func (s *Store) History(ctx context.Context, deviceID string) Trail {
	inner := s.backend.History(ctx, strings.TrimSpace(deviceID))
	return func(yield func(models.PositionReport, error) bool) {
		for r, err := range inner {
			if err != nil {
				yield(models.PositionReport{}, &PersistenceError{Op: "history", Err: err})
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Latest returns up to n most recent reports in ascending order.
func (s *Store) Latest(ctx context.Context, deviceID string, n int) ([]models.PositionReport, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := s.backend.Latest(ctx, strings.TrimSpace(deviceID), n)
	if err != nil {
		return nil, &PersistenceError{Op: "latest", Err: err}
	}
	return out, nil
}

// Devices lists the current position of every device that ever reported.
func (s *Store) Devices(ctx context.Context) ([]models.CurrentPosition, error) {
	out, err := s.backend.Devices(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "devices", Err: err}
	}
	return out, nil
}

// Collect materializes a trail. It stops at the first error.
func Collect(t Trail) ([]models.PositionReport, error) {
	out := []models.PositionReport{}
	for r, err := range t {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// IsValidation reports whether err was caused by bad input rather than the backend.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingDevice) || errors.Is(err, ErrInvalidCoordinate)
}
