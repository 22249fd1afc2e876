// Package history records timestamped snapshots of a tracking session and
// persists the full list on every append.
package history

import (
	"time"

	"github.com/banshee-data/motion.report/internal/geo"
)

// Snapshot is an immutable record of session state at one tick. The JSON
// field names match the persisted history format.
type Snapshot struct {
	Timestamp  time.Time      `json:"timestamp"`
	Coordinate geo.Coordinate `json:"coords"`
	StepCount  int            `json:"steps"`
	DistanceKm float64        `json:"distance"`
}
