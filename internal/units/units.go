// Package units provides speed unit constants and conversions. Fixes carry
// speed in metres per second; displays and the API convert on the way out.
package units

import "strings"

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// MetresPerSecondPerKnot is the exact length of a nautical mile (1852 m)
// divided by one hour.
const MetresPerSecondPerKnot = 1852.0 / 3600.0

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from metres per second to the target units.
// Unknown units return the input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// KnotsToMPS converts a speed over ground reported in knots (as NMEA
// receivers do) to metres per second.
func KnotsToMPS(knots float64) float64 {
	return knots * MetresPerSecondPerKnot
}
