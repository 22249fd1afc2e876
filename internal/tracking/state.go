package tracking

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/motion"
)

var (
	// ErrPermissionDenied is returned by Start when location access was
	// refused. The session stays in PhasePermissionDenied until
	// RetryPermission is called.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNotActive is returned by operations that need an Active session.
	ErrNotActive = errors.New("tracking session not active")
	// ErrAlreadyStarted is returned by Start or Run when called twice.
	ErrAlreadyStarted = errors.New("tracking session already started")
	// ErrNoRetryPending is returned by RetryPermission outside
	// PhasePermissionDenied.
	ErrNoRetryPending = errors.New("no permission retry pending")
)

// Phase is the lifecycle phase of a Session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAwaitingPermission
	PhasePermissionDenied
	PhaseActive
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAwaitingPermission:
		return "awaiting_permission"
	case PhasePermissionDenied:
		return "permission_denied"
	case PhaseActive:
		return "active"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name produced by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	for q := PhaseUninitialized; q <= PhaseStopped; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// State is the group of metrics mutated together by the tick loop and the
// sensor stream.
type State struct {
	Route           []geo.Coordinate
	TotalDistanceKm float64
	StepCount       int
	CurrentSpeedKmh float64
	LastMagnitude   float64
}

// Status is the consumer-facing view of a session.
type Status struct {
	SessionID           string           `json:"session_id"`
	Phase               Phase            `json:"phase"`
	Coordinate          *geo.Coordinate  `json:"coordinate,omitempty"`
	RestoredFromStorage bool             `json:"restored_from_storage"`
	Route               []geo.Coordinate `json:"route"`
	TotalDistanceKm     float64          `json:"total_distance_km"`
	StepCount           int              `json:"step_count"`
	CurrentSpeedKmh     float64          `json:"current_speed_kmh"`
	LatestSample        *motion.Sample   `json:"latest_sample,omitempty"`
	LastMagnitude       float64          `json:"last_magnitude"`
	ErrorMsg            string           `json:"error,omitempty"`
	SensorError         string           `json:"sensor_error,omitempty"`
	LastTickError       string           `json:"last_tick_error,omitempty"`
	PersistErrors       int              `json:"persist_errors"`
	LastPersistError    string           `json:"last_persist_error,omitempty"`
	Ticks               int              `json:"ticks"`
	LastTickAt          *time.Time       `json:"last_tick_at,omitempty"`
}
