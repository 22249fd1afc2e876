// Package api serves the tracker's JSON read surface for a display layer,
// plus the two session controls: metric reset and permission retry.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/history"
	"github.com/banshee-data/motion.report/internal/httputil"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/tracking"
	"github.com/banshee-data/motion.report/internal/units"
)

// ANSI escape codes used by LoggingMiddleware to colour request lines.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Tracker is the session surface the API reads and controls.
// *tracking.Session implements it.
type Tracker interface {
	Status() tracking.Status
	History() []history.Snapshot
	Reset()
	RetryPermission() error
}

type Server struct {
	tracker Tracker
	units   string
}

// NewServer returns a server reporting speeds in defaultUnits unless a
// request overrides them with ?units=.
func NewServer(t Tracker, defaultUnits string) *Server {
	if !units.IsValid(defaultUnits) {
		defaultUnits = units.KMPH
	}
	return &Server{tracker: t, units: defaultUnits}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/route", s.showRoute)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/history/summary", s.showSummary)
	mux.HandleFunc("/api/reset", s.resetMetrics)
	mux.HandleFunc("/api/permission", s.retryPermission)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

// requestUnits returns the ?units= override or the server default.
func (s *Server) requestUnits(r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, true
	}
	return u, units.IsValid(u)
}

// StatusResponse is tracking.Status plus the current speed in the
// requested units.
type StatusResponse struct {
	tracking.Status
	Units        string  `json:"units"`
	CurrentSpeed float64 `json:"current_speed"`
}

func (s *Server) statusResponse(u string) StatusResponse {
	st := s.tracker.Status()
	return StatusResponse{
		Status:       st,
		Units:        u,
		CurrentSpeed: units.ConvertSpeed(st.CurrentSpeedKmh/3.6, u),
	}
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	u, ok := s.requestUnits(r)
	if !ok {
		httputil.BadRequest(w, "invalid 'units' parameter, expected one of: "+units.GetValidUnitsString())
		return
	}
	httputil.WriteJSONOK(w, s.statusResponse(u))
}

func (s *Server) showRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	route := s.tracker.Status().Route
	if route == nil {
		route = []geo.Coordinate{}
	}
	httputil.WriteJSONOK(w, route)
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	snaps := s.tracker.History()
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		if limit < len(snaps) {
			snaps = snaps[len(snaps)-limit:]
		}
	}
	if snaps == nil {
		snaps = []history.Snapshot{}
	}
	httputil.WriteJSONOK(w, snaps)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, history.Summarize(s.tracker.History()))
}

func (s *Server) resetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.tracker.Reset()
	httputil.WriteJSONOK(w, s.statusResponse(s.units))
}

func (s *Server) retryPermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.tracker.RetryPermission(); err != nil {
		if errors.Is(err, tracking.ErrNoRetryPending) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "permission retry requested"})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units": s.units,
	})
}
