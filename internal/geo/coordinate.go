// Package geo holds the position types used throughout the tracker and the
// great-circle distance accumulation over a route of fixes.
package geo

import (
	"math"
	"time"

	"github.com/banshee-data/motion.report/internal/units"
)

// Coordinate is a single position fix. Speed is in metres per second and is
// zero when the receiver did not report one. Altitude, Accuracy and Heading
// are carried through when a receiver provides them and are otherwise zero.
type Coordinate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// RoutePoint is a Coordinate that has been appended to a route.
type RoutePoint = Coordinate

// Valid reports whether the coordinate has finite, in-range latitude and
// longitude.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// SpeedKmh returns the fix's reported speed in km/h. Negative or NaN speeds
// (receivers use -1 for "unknown") are reported as 0.
func SpeedKmh(c Coordinate) float64 {
	if math.IsNaN(c.Speed) || c.Speed < 0 {
		return 0
	}
	return units.ConvertSpeed(c.Speed, units.KMPH)
}
