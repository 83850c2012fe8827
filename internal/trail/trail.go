// Package trail joins tracking-number resolution with position history and
// builds the snapshot served to the customer map.
package trail

import (
	"context"
	"errors"
	"time"

	"trackd/internal/eta"
	"trackd/internal/geo"
	"trackd/internal/identity"
	"trackd/internal/models"
	"trackd/internal/movement"
	"trackd/internal/position"
)

// Point is one trail element as sent to viewers.
type Point struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func FromReport(r models.PositionReport) Point {
	return Point{Lat: r.Lat, Lng: r.Lng, Timestamp: r.RecordedAt}
}

// Origin is the fixed dispatch point drawn on the map.
type Origin struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Current is the latest vehicle position in a snapshot.
type Current struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the single response shape for a tracked delivery. Current,
// Movement and ETA are nil while the delivery is unassigned or the device
// has not reported yet.
type Snapshot struct {
	TrackingID  string          `json:"tracking_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Assigned    bool            `json:"assigned"`
	Destination geo.Point       `json:"destination"`
	Origin      *Origin         `json:"origin,omitempty"`
	Current     *Current        `json:"current,omitempty"`
	Trail       []Point         `json:"trail"`
	Movement    *movement.State `json:"movement,omitempty"`
	ETA         *eta.Estimate   `json:"eta,omitempty"`
}

type Assembler struct {
	resolver   identity.Resolver
	store      *position.Store
	classifier *movement.Classifier
	estimator  *eta.Estimator
	origin     *Origin
}

func NewAssembler(r identity.Resolver, s *position.Store, c *movement.Classifier, e *eta.Estimator, origin *Origin) *Assembler {
	return &Assembler{resolver: r, store: s, classifier: c, estimator: e, origin: origin}
}

// Assemble resolves trackingID and returns the device's trail.
// ErrNotFound and ErrUnassigned from the resolver are returned unchanged;
// on ErrUnassigned the association is still filled in.
func (a *Assembler) Assemble(ctx context.Context, trackingID string) (position.Trail, identity.Association, error) {
	assoc, err := a.resolver.Resolve(ctx, trackingID)
	if err != nil {
		return nil, assoc, err
	}
	return a.store.History(ctx, assoc.DeviceID), assoc, nil
}

// ForDevice is the device-keyed trail, for callers that skip resolution.
func (a *Assembler) ForDevice(ctx context.Context, deviceID string) position.Trail {
	return a.store.History(ctx, deviceID)
}

// Snapshot materializes everything a viewer needs for one poll.
func (a *Assembler) Snapshot(ctx context.Context, trackingID string) (Snapshot, error) {
	trail, assoc, err := a.Assemble(ctx, trackingID)
	snap := Snapshot{
		TrackingID:  assoc.TrackingID,
		DeviceID:    assoc.DeviceID,
		Status:      assoc.Status,
		Assigned:    assoc.Assigned(),
		Destination: assoc.Destination,
		Origin:      a.origin,
		Trail:       []Point{},
	}
	if snap.TrackingID == "" {
		snap.TrackingID = trackingID
	}
	switch {
	case errors.Is(err, identity.ErrUnassigned):
		return snap, err
	case err != nil:
		return Snapshot{}, err
	}

	reports, err := position.Collect(trail)
	if err != nil {
		return Snapshot{}, err
	}
	for _, r := range reports {
		snap.Trail = append(snap.Trail, FromReport(r))
	}

	cp, err := a.store.CurrentPosition(ctx, assoc.DeviceID)
	switch {
	case errors.Is(err, position.ErrNotFound):
		return snap, nil
	case err != nil:
		return Snapshot{}, err
	}
	snap.Current = &Current{Lat: cp.Lat, Lng: cp.Lng, UpdatedAt: cp.UpdatedAt}

	state := a.classifier.ClassifyLatest(reports)
	snap.Movement = &state
	est := a.estimator.Estimate(cp.Point(), assoc.Destination)
	snap.ETA = &est
	return snap, nil
}
