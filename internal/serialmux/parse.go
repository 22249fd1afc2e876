package serialmux

import "strings"

// Line classes emitted by the tracker's devices.
const (
	LineTypeNMEA    = "nmea"
	LineTypeAccel   = "accel"
	LineTypeConfig  = "config"
	LineTypeUnknown = "unknown"
)

// ClassifyLine inspects a line read from a device and returns a coarse type
// token. NMEA sentences start with '$' (or '!' for encapsulated sentences).
// JSON objects carrying x/y/z keys are accelerometer samples, any other JSON
// object is a device config response, and three comma-separated fields are
// treated as a CSV accelerometer sample.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineTypeUnknown
	case line[0] == '$' || line[0] == '!':
		return LineTypeNMEA
	case line[0] == '{':
		if strings.Contains(line, `"x"`) && strings.Contains(line, `"y"`) && strings.Contains(line, `"z"`) {
			return LineTypeAccel
		}
		return LineTypeConfig
	case strings.Count(line, ",") == 2:
		return LineTypeAccel
	default:
		return LineTypeUnknown
	}
}
