// Package testutil provides shared test helpers and route fixtures.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/motion.report/internal/geo"
)

// WalkStart is the timestamp of the first fix returned by EquatorWalk.
var WalkStart = time.Date(2024, 5, 4, 7, 30, 0, 0, time.UTC)

// EquatorWalk returns n fixes heading east along the equator, 0.001 degrees
// (about 111.2 m) and interval apart, each reporting speed mps.
func EquatorWalk(n int, interval time.Duration, mps float64) []geo.Coordinate {
	out := make([]geo.Coordinate, n)
	for i := range out {
		out[i] = geo.Coordinate{
			Latitude:  0,
			Longitude: float64(i) * 0.001,
			Speed:     mps,
			Timestamp: WalkStart.Add(time.Duration(i) * interval),
		}
	}
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// DecodeJSON decodes the recorded response body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}
