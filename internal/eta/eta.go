// Package eta estimates straight-line arrival time at a constant average speed.
package eta

import (
	"errors"
	"fmt"
	"math"

	"trackd/internal/geo"
)

const DefaultSpeedKMH = 40.0

var ErrInvalidSpeed = errors.New("average speed must be positive")

type Estimate struct {
	DistanceKM float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

type Estimator struct {
	AvgSpeedKMH float64
}

func New(avgSpeedKMH float64) (*Estimator, error) {
	if !(avgSpeedKMH > 0) || math.IsInf(avgSpeedKMH, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpeed, avgSpeedKMH)
	}
	return &Estimator{AvgSpeedKMH: avgSpeedKMH}, nil
}

func (e *Estimator) Estimate(origin, destination geo.Point) Estimate {
	return e.FromDistance(geo.DistanceKM(origin, destination))
}

// FromDistance rounds half away from zero, so 0.5 minute becomes 1.
func (e *Estimator) FromDistance(km float64) Estimate {
	if km < 0 || math.IsNaN(km) || math.IsInf(km, 0) {
		km = 0
	}
	km = math.Min(km, geo.MaxDistanceKM)
	return Estimate{
		DistanceKM: km,
		ETAMinutes: int(math.Round(km / e.AvgSpeedKMH * 60)),
	}
}

// Text is the customer-facing rendering of an ETA.
func Text(minutes int) string {
	switch {
	case minutes <= 0:
		return "Arriving"
	case minutes == 1:
		return "1 min"
	case minutes < 60:
		return fmt.Sprintf("%d mins", minutes)
	}
	h, m := minutes/60, minutes%60
	if m == 0 {
		return fmt.Sprintf("%d hr", h)
	}
	return fmt.Sprintf("%d hr %d mins", h, m)
}
