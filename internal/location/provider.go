// Package location provides position fixes from a GNSS receiver or a
// recorded track, behind a permission-gated Provider interface.
package location

import (
	"context"
	"errors"

	"github.com/banshee-data/motion.report/internal/geo"
)

var (
	// ErrLocationUnavailable is returned when no fresh fix can be produced.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrPermissionNotGranted is returned by CurrentFix before permission
	// has been granted.
	ErrPermissionNotGranted = errors.New("location permission not granted")
)

// Provider is the source of position fixes.
type Provider interface {
	// RequestPermission asks for access to the location source. A denial is
	// reported as granted=false with a nil error; err is reserved for
	// failures to ask at all.
	RequestPermission(ctx context.Context) (granted bool, err error)
	// CurrentFix returns a fresh fix or an error wrapping
	// ErrLocationUnavailable.
	CurrentFix(ctx context.Context) (geo.Coordinate, error)
}
