// Package geo holds coordinate validation and great-circle distance.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKM is the mean Earth radius used by every distance in trackd.
const EarthRadiusKM = 6371.0

// MaxDistanceKM is half the great circle; no two points are further apart.
const MaxDistanceKM = math.Pi * EarthRadiusKM

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects NaN, infinities and values outside -90..90 / -180..180.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

func (p Point) String() string { return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lng) }

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// DistanceKM is the haversine distance between a and b.
// The formula only uses squared sines and a product of cosines, so the
// result is exactly symmetric and exactly zero for identical points.
func DistanceKM(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	sLat := math.Sin(dLat / 2)
	sLng := math.Sin(dLng / 2)
	h := sLat*sLat + math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*sLng*sLng
	return EarthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func DistanceMeters(a, b Point) float64 { return DistanceKM(a, b) * 1000 }
