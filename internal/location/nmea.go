package location

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/units"
)

var (
	errNotRMC = errors.New("not an RMC sentence")
	errNoFix  = errors.New("receiver reports no fix")
)

// ggaAltitudeField is the index of the altitude in GGA's Fields, which
// excludes the talker and type.
const ggaAltitudeField = 8

// ParseRMC decodes a $--RMC sentence into a coordinate. The sentence must
// carry a valid checksum and an 'A' (active) status. Speed over ground is
// converted from knots to m/s and course over ground becomes Heading.
func ParseRMC(sentence string) (geo.Coordinate, error) {
	s, err := nmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return geo.Coordinate{}, err
	}
	rmc, ok := s.(nmea.RMC)
	if !ok {
		return geo.Coordinate{}, errNotRMC
	}
	return rmcCoordinate(rmc)
}

func rmcCoordinate(rmc nmea.RMC) (geo.Coordinate, error) {
	if rmc.Validity != nmea.ValidRMC {
		return geo.Coordinate{}, errNoFix
	}
	ts, err := rmcTime(rmc.Date, rmc.Time)
	if err != nil {
		return geo.Coordinate{}, err
	}
	return geo.Coordinate{
		Latitude:  rmc.Latitude,
		Longitude: rmc.Longitude,
		Speed:     units.KnotsToMPS(rmc.Speed),
		Heading:   rmc.Course,
		Timestamp: ts,
	}, nil
}

// rmcTime combines RMC's ddmmyy date and hhmmss.sss time in UTC. Two-digit
// years from 80 onwards are taken as 19xx.
func rmcTime(d nmea.Date, t nmea.Time) (time.Time, error) {
	if !d.Valid || !t.Valid {
		return time.Time{}, errors.New("nmea: RMC without date or time")
	}
	if d.MM < 1 || d.MM > 12 || d.DD < 1 || d.DD > 31 {
		return time.Time{}, fmt.Errorf("nmea: date out of range: %02d%02d%02d", d.DD, d.MM, d.YY)
	}
	year := 2000 + d.YY
	if d.YY >= 80 {
		year = 1900 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC), nil
}

// ggaAltitude returns the antenna altitude above mean sea level from a GGA
// sentence that reports a fix.
func ggaAltitude(gga nmea.GGA) (float64, error) {
	if gga.FixQuality == "" || gga.FixQuality == nmea.Invalid {
		return 0, errNoFix
	}
	if len(gga.Fields) <= ggaAltitudeField || gga.Fields[ggaAltitudeField] == "" {
		return 0, errors.New("nmea: GGA without altitude")
	}
	return gga.Altitude, nil
}

func formatLatLon(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	min := (v - deg) * 60
	// Round to the precision written so 59.99999 does not render as 60.
	min = math.Round(min*1e5) / 1e5
	if min >= 60 {
		deg++
		min -= 60
	}
	return fmt.Sprintf("%0*d%08.5f", degDigits, int(deg), min), hemi
}

// FormatRMC renders c as a $GPRMC sentence with a valid checksum. It feeds
// the simulated receiver in dev mode.
func FormatRMC(c geo.Coordinate) string {
	lat, ns := formatLatLon(c.Latitude, 2, "N", "S")
	lon, ew := formatLatLon(c.Longitude, 3, "E", "W")
	ts := c.Timestamp.UTC()
	knots := c.Speed / units.MetresPerSecondPerKnot
	body := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.3f,%.1f,%s,,,A",
		ts.Format("150405.000"), lat, ns, lon, ew, knots, c.Heading, ts.Format("020106"))
	return fmt.Sprintf("$%s*%s", body, nmea.Checksum(body))
}
