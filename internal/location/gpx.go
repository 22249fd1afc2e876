package location

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/motion.report/internal/geo"
)

type gpxFile struct {
	Tracks []struct {
		Segments []struct {
			Points []gpxPoint `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

type gpxPoint struct {
	Lat       float64   `xml:"lat,attr"`
	Lon       float64   `xml:"lon,attr"`
	Elevation float64   `xml:"ele,omitempty"`
	Time      time.Time `xml:"time,omitempty"`
}

// ParseGPX flattens every track point of a GPX document into coordinates in
// document order. Speed is derived from the distance and time to the
// previous point in the same segment when both carry timestamps.
func ParseGPX(r io.Reader) ([]geo.Coordinate, error) {
	var doc gpxFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse GPX: %w", err)
	}

	var out []geo.Coordinate
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			for i, pt := range seg.Points {
				c := geo.Coordinate{
					Latitude:  pt.Lat,
					Longitude: pt.Lon,
					Altitude:  pt.Elevation,
					Timestamp: pt.Time,
				}
				if i > 0 {
					prev := seg.Points[i-1]
					if dt := pt.Time.Sub(prev.Time).Seconds(); !prev.Time.IsZero() && dt > 0 {
						c.Speed = geo.HaversineKm(prev.Lat, prev.Lon, pt.Lat, pt.Lon) * 1000 / dt
					}
				}
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// LoadGPX reads a GPX file from disk.
func LoadGPX(path string) ([]geo.Coordinate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ParseGPX(f)
}

// GPXReplayProvider returns recorded points one per CurrentFix call. It is
// used for development and for replaying walks without hardware. Permission
// is always granted.
type GPXReplayProvider struct {
	mu     sync.Mutex
	points []geo.Coordinate
	next   int
	now    func() time.Time
}

// NewGPXReplayProvider replays points in order. Points without a timestamp
// are stamped with now() when served.
func NewGPXReplayProvider(points []geo.Coordinate, now func() time.Time) *GPXReplayProvider {
	if now == nil {
		now = time.Now
	}
	return &GPXReplayProvider{points: points, now: now}
}

func (g *GPXReplayProvider) RequestPermission(ctx context.Context) (bool, error) {
	return true, ctx.Err()
}

// CurrentFix returns the next recorded point, or ErrLocationUnavailable once
// the track is exhausted.
func (g *GPXReplayProvider) CurrentFix(ctx context.Context) (geo.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return geo.Coordinate{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= len(g.points) {
		return geo.Coordinate{}, fmt.Errorf("%w: replay track exhausted after %d points", ErrLocationUnavailable, len(g.points))
	}
	c := g.points[g.next]
	g.next++
	if c.Timestamp.IsZero() {
		c.Timestamp = g.now()
	}
	return c, nil
}

// Remaining returns the number of points not yet served.
func (g *GPXReplayProvider) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.points) - g.next
}
