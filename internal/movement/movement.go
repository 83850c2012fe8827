// Package movement derives a vehicle's movement state from its two most
// recent position reports. States are computed on read and never stored.
package movement

import (
	"fmt"
	"sync/atomic"
	"time"

	"trackd/internal/geo"
	"trackd/internal/models"
)

type State int

const (
	Moving State = iota
	Stopped
	Traffic
	Inactive
)

var stateNames = [...]string{"Moving", "Stopped", "Traffic", "Inactive"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown movement state %q", b)
}

// Thresholds tune the classification. Checks run in this order:
// InactiveAfter, then StoppedMeters+StoppedAfter, then TrafficMeters.
type Thresholds struct {
	StoppedMeters float64
	StoppedAfter  time.Duration
	TrafficMeters float64
	InactiveAfter time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StoppedMeters: 2,
		StoppedAfter:  5 * time.Minute,
		TrafficMeters: 10,
		InactiveAfter: 20 * time.Minute,
	}
}

// Classifier is safe for concurrent use; thresholds can be swapped at runtime.
type Classifier struct {
	th atomic.Pointer[Thresholds]
}

func NewClassifier(th Thresholds) *Classifier {
	c := &Classifier{}
	c.SetThresholds(th)
	return c
}

func (c *Classifier) SetThresholds(th Thresholds) { c.th.Store(&th) }

func (c *Classifier) Thresholds() Thresholds { return *c.th.Load() }

// Classify compares the current report with the previous one. A nil
// previous report means the device just appeared: Moving. Out-of-order
// input (negative elapsed time) is treated as zero elapsed.
func (c *Classifier) Classify(prev *models.PositionReport, cur models.PositionReport) State {
	if prev == nil {
		return Moving
	}
	th := c.th.Load()

	elapsed := cur.RecordedAt.Sub(prev.RecordedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	moved := geo.DistanceMeters(prev.Point(), cur.Point())

	switch {
	case elapsed >= th.InactiveAfter:
		return Inactive
	case moved < th.StoppedMeters && elapsed > th.StoppedAfter:
		return Stopped
	case moved < th.TrafficMeters:
		return Traffic
	default:
		return Moving
	}
}

// ClassifyLatest classifies the tail of an ascending report slice.
func (c *Classifier) ClassifyLatest(reports []models.PositionReport) State {
	switch n := len(reports); n {
	case 0, 1:
		return Moving
	default:
		return c.Classify(&reports[n-2], reports[n-1])
	}
}
