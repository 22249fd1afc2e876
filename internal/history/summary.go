package history

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motion.report/internal/geo"
)

// Summary aggregates a snapshot history. Distance and steps are accumulated
// across resets: a drop in the cumulative counters starts a new segment.
type Summary struct {
	Snapshots    int       `json:"snapshots"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	DistanceKm   float64   `json:"distance_km"`
	Steps        int       `json:"steps"`
	MeanSpeedKmh float64   `json:"mean_speed_kmh"`
	MaxSpeedKmh  float64   `json:"max_speed_kmh"`
	Resets       int       `json:"resets"`
}

// Summarize computes a Summary over snaps, which must be in recorded order.
func Summarize(snaps []Snapshot) Summary {
	sum := Summary{Snapshots: len(snaps)}
	if len(snaps) == 0 {
		return sum
	}
	sum.Start = snaps[0].Timestamp
	sum.End = snaps[len(snaps)-1].Timestamp

	speeds := make([]float64, len(snaps))
	var prevDist float64
	var prevSteps int
	for i, s := range snaps {
		speeds[i] = geo.SpeedKmh(s.Coordinate)

		if s.DistanceKm < prevDist || s.StepCount < prevSteps {
			sum.Resets++
			sum.DistanceKm += s.DistanceKm
			sum.Steps += s.StepCount
		} else {
			sum.DistanceKm += s.DistanceKm - prevDist
			sum.Steps += s.StepCount - prevSteps
		}
		prevDist, prevSteps = s.DistanceKm, s.StepCount
	}

	sum.MeanSpeedKmh = stat.Mean(speeds, nil)
	sum.MaxSpeedKmh = floats.Max(speeds)
	return sum
}
