// Package motion turns raw three-axis accelerometer samples into step events.
//
// Detection is a plain threshold crossing on the change in acceleration
// magnitude between consecutive samples. There is no filtering, windowing or
// cadence validation.
package motion

import (
	"fmt"
	"math"
	"strings"
)

// DefaultThreshold is the magnitude change, in the sensor's native units,
// above which a sample counts as a step.
const DefaultThreshold = 1.2

// Sample is one accelerometer reading.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MagnitudeFunc reduces a sample to a scalar magnitude.
type MagnitudeFunc func(Sample) float64

// Euclidean is the vector norm sqrt(x² + y² + z²).
func Euclidean(s Sample) float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Legacy reproduces the sqrt(2x + 2y + z²) expression recorded by earlier
// builds of the tracker. It is asymmetric across axes and yields NaN when the
// radicand is negative; NaN never registers a step.
func Legacy(s Sample) float64 {
	return math.Sqrt(s.X*2 + s.Y*2 + s.Z*s.Z)
}

// Formula names accepted by FormulaByName.
const (
	FormulaEuclidean = "euclidean"
	FormulaLegacy    = "legacy"
)

// FormulaByName resolves a configured formula name. An empty name selects
// the Euclidean norm.
func FormulaByName(name string) (MagnitudeFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormulaEuclidean:
		return Euclidean, nil
	case FormulaLegacy:
		return Legacy, nil
	default:
		return nil, fmt.Errorf("unknown magnitude formula %q", name)
	}
}

// Detector is the stateful step detector. The zero value is not usable; use
// NewDetector. It is not safe for concurrent use.
type Detector struct {
	threshold     float64
	magnitude     MagnitudeFunc
	lastMagnitude float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(th float64) Option {
	return func(d *Detector) { d.threshold = th }
}

// WithMagnitude overrides the magnitude formula.
func WithMagnitude(f MagnitudeFunc) Option {
	return func(d *Detector) {
		if f != nil {
			d.magnitude = f
		}
	}
}

// NewDetector returns a detector with lastMagnitude 0.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultThreshold, magnitude: Euclidean}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process reports whether s constitutes a step: the absolute change from the
// previous magnitude is strictly greater than the threshold. The stored
// magnitude is updated on every call regardless of the outcome.
func (d *Detector) Process(s Sample) bool {
	m := d.magnitude(s)
	step := math.Abs(m-d.lastMagnitude) > d.threshold
	d.lastMagnitude = m
	return step
}

// LastMagnitude returns the magnitude of the most recent sample.
func (d *Detector) LastMagnitude() float64 {
	return d.lastMagnitude
}

// Threshold returns the configured threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Reset returns the detector to its initial state.
func (d *Detector) Reset() {
	d.lastMagnitude = 0
}
