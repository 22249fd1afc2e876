// Package tracking runs a single movement session. It joins two timing
// domains, the accelerometer stream and a fixed-period location poll, into
// one consistent State and appends a snapshot to the history on every tick.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/history"
	"github.com/banshee-data/motion.report/internal/location"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/motion"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/store"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

// DefaultTickInterval is the location poll period.
const DefaultTickInterval = 5 * time.Second

// Config wires a Session to its collaborators.
type Config struct {
	// Location supplies permission and fixes. Required.
	Location location.Provider
	// Accelerometer feeds step detection. Nil disables step tracking.
	Accelerometer sensor.Accelerometer
	// Store is read at startup for the last location and history, and
	// receives the synchronous startup lastLocation write. Nil uses an
	// in-memory store.
	Store store.Store
	// Writer queues the per-tick lastLocation overwrite.
	Writer history.Putter
	// Recorder receives a snapshot per tick. Nil builds one on Writer.
	Recorder *history.Recorder
	Clock    timeutil.Clock
	// TickInterval defaults to DefaultTickInterval.
	TickInterval time.Duration
	// DetectorOptions configure the step detector.
	DetectorOptions []motion.Option
	// ResetClearsMagnitude makes Reset also zero the detector's last
	// magnitude.
	ResetClearsMagnitude bool
}

// Session is a single tracking session. All state is guarded by one mutex;
// I/O against the location provider and the store happens outside it.
type Session struct {
	ID string

	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	phase        Phase
	acc          *geo.Accumulator
	detector     *motion.Detector
	totalKm      float64
	steps        int
	speedKmh     float64
	coord        *geo.Coordinate
	restored     bool
	sample       *motion.Sample
	errorMsg     string
	sensorErr    string
	lastTickErr  string
	persistErrs  int
	lastPersist  string
	ticks        int
	lastTickAt   time.Time
	sub          sensor.Subscription
	ticker       timeutil.Ticker
	teardownOnce sync.Once

	retry chan struct{}
	done  chan struct{}
}

// NewSession validates cfg, fills defaults and returns an uninitialized
// session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Location == nil {
		return nil, errors.New("tracking: location provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = history.NewRecorder(cfg.Writer)
	}

	id := uuid.NewString()
	return &Session{
		ID:       id,
		cfg:      cfg,
		log:      monitoring.Logger.WithField("session", id),
		acc:      geo.NewAccumulator(),
		detector: motion.NewDetector(cfg.DetectorOptions...),
		retry:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start requests location permission and, when granted, restores the last
// known location and history, takes a startup fix and subscribes to the
// accelerometer. A denial leaves the session in PhasePermissionDenied with
// nothing subscribed and returns ErrPermissionDenied.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseUninitialized, PhasePermissionDenied:
	case PhaseStopped:
		s.mu.Unlock()
		return ErrNotActive
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.phase = PhaseAwaitingPermission
	s.errorMsg = ""
	s.mu.Unlock()

	granted, err := s.cfg.Location.RequestPermission(ctx)
	if err != nil || !granted {
		msg := "location permission denied"
		if err != nil {
			msg = fmt.Sprintf("location permission request failed: %v", err)
		}
		s.mu.Lock()
		if s.phase == PhaseAwaitingPermission {
			s.phase = PhasePermissionDenied
		}
		s.errorMsg = msg
		s.mu.Unlock()
		s.log.Warn(msg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return ErrPermissionDenied
	}

	s.restore(ctx)

	fix, err := s.cfg.Location.CurrentFix(ctx)
	if err != nil {
		s.log.WithError(err).Warn("no startup fix, waiting for the first tick")
		s.mu.Lock()
		s.lastTickErr = err.Error()
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.coord = &fix
		s.restored = false
		s.mu.Unlock()
		if err := store.SetJSON(ctx, s.cfg.Store, store.KeyLastLocation, fix); err != nil {
			s.OnPersistError(store.KeyLastLocation, err)
		}
	}

	sub, sensorErr := s.subscribe()

	s.mu.Lock()
	if s.phase != PhaseAwaitingPermission {
		// Torn down while starting.
		s.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return ErrNotActive
	}
	s.sub = sub
	if sensorErr != nil {
		s.sensorErr = sensorErr.Error()
	}
	s.phase = PhaseActive
	s.mu.Unlock()

	s.log.WithField("steps_enabled", sensorErr == nil).Info("tracking session active")
	return nil
}

func (s *Session) subscribe() (sensor.Subscription, error) {
	if s.cfg.Accelerometer == nil {
		s.log.Warn("no accelerometer configured, step tracking disabled")
		return nil, sensor.ErrSensorUnavailable
	}
	sub, err := s.cfg.Accelerometer.Subscribe(s.OnSensorSample)
	if err != nil {
		s.log.WithError(err).Warn("accelerometer subscription failed, step tracking disabled")
		return nil, err
	}
	return sub, nil
}

func (s *Session) restore(ctx context.Context) {
	var last geo.Coordinate
	found, err := store.GetJSON(ctx, s.cfg.Store, store.KeyLastLocation, &last)
	var corrupt *store.CorruptError
	switch {
	case errors.As(err, &corrupt):
		s.log.WithError(err).Warn("discarding unreadable last location")
	case err != nil:
		s.log.WithError(err).Warn("could not read last location")
	case found:
		s.mu.Lock()
		s.coord = &last
		s.restored = true
		s.mu.Unlock()
		s.log.WithField("lat", last.Latitude).WithField("lon", last.Longitude).Info("restored last location")
	}

	loaded, err := s.cfg.Recorder.Load(ctx, s.cfg.Store)
	if err != nil {
		s.log.WithError(err).Warn("could not read history")
		return
	}
	if len(loaded) > 0 {
		s.log.WithField("snapshots", len(loaded)).Info("loaded history")
	}
}

// Run drives the tick loop on a single ticker until ctx is done or the
// session is torn down. The session is torn down when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	if s.ticker != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	t := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	s.ticker = t
	s.mu.Unlock()
	defer s.Teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-t.C():
			if _, err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Debug("tick skipped")
			}
		}
	}
}

// Supervise starts the session, waits for RetryPermission while permission
// is denied, and then runs the tick loop.
func (s *Session) Supervise(ctx context.Context) error {
	for {
		err := s.Start(ctx)
		if err == nil {
			return s.Run(ctx)
		}
		if !errors.Is(err, ErrPermissionDenied) {
			return err
		}
		select {
		case <-ctx.Done():
			s.Teardown()
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.retry:
			s.log.Info("retrying location permission")
		}
	}
}

// RetryPermission asks Supervise to request permission again.
func (s *Session) RetryPermission() error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase != PhasePermissionDenied {
		return fmt.Errorf("%w: session is %s", ErrNoRetryPending, phase)
	}
	select {
	case s.retry <- struct{}{}:
	default:
	}
	return nil
}

// Tick fetches a fix and folds it into the state, then records a snapshot
// and queues the lastLocation overwrite. When no fix is available the state
// is left unchanged and an error wrapping location.ErrLocationUnavailable is
// returned.
func (s *Session) Tick(ctx context.Context) (history.Snapshot, error) {
	if s.Phase() != PhaseActive {
		return history.Snapshot{}, ErrNotActive
	}

	fix, err := s.cfg.Location.CurrentFix(ctx)
	if err != nil {
		if !errors.Is(err, location.ErrLocationUnavailable) {
			err = fmt.Errorf("%w: %w", location.ErrLocationUnavailable, err)
		}
		s.mu.Lock()
		s.lastTickErr = err.Error()
		s.mu.Unlock()
		return history.Snapshot{}, err
	}

	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		return history.Snapshot{}, ErrNotActive
	}
	s.totalKm += s.acc.AddFix(fix)
	s.speedKmh = geo.SpeedKmh(fix)
	s.coord = &fix
	s.restored = false
	s.lastTickErr = ""
	s.ticks++
	now := s.cfg.Clock.Now()
	s.lastTickAt = now
	snap := history.Snapshot{
		Timestamp:  now,
		Coordinate: fix,
		StepCount:  s.steps,
		DistanceKm: s.totalKm,
	}
	s.mu.Unlock()

	stored, err := s.cfg.Recorder.Record(snap)
	if err != nil {
		s.OnPersistError(store.KeyHistory, err)
	}
	s.queueLastLocation(fix)
	return stored, nil
}

func (s *Session) queueLastLocation(fix geo.Coordinate) {
	if s.cfg.Writer == nil {
		return
	}
	data, err := json.Marshal(fix)
	if err == nil {
		err = s.cfg.Writer.Put(store.KeyLastLocation, string(data))
	}
	if err != nil {
		s.OnPersistError(store.KeyLastLocation, err)
	}
}

// OnSensorSample consumes one accelerometer sample. Samples are ignored
// unless the session is Active.
func (s *Session) OnSensorSample(sample motion.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseActive {
		return
	}
	s.sample = &sample
	if s.detector.Process(sample) {
		s.steps++
	}
}

// OnPersistError records a failed write. It is safe to use as the
// AsyncWriter error callback.
func (s *Session) OnPersistError(key string, err error) {
	s.mu.Lock()
	s.persistErrs++
	s.lastPersist = fmt.Sprintf("%s: %v", key, err)
	s.mu.Unlock()
	s.log.WithError(err).WithField("key", key).Warn("persist failed")
}

// Reset zeroes distance, steps and route. Persisted history is untouched.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acc.Reset()
	s.totalKm = 0
	s.steps = 0
	if s.cfg.ResetClearsMagnitude {
		s.detector.Reset()
	}
}

// Teardown unsubscribes the accelerometer, stops the ticker and moves the
// session to PhaseStopped. Only the first call has any effect.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		sub, t := s.sub, s.ticker
		s.sub, s.ticker = nil, nil
		s.phase = PhaseStopped
		close(s.done)
		s.mu.Unlock()

		if t != nil {
			t.Stop()
		}
		// Unsubscribe outside the lock: it waits for the delivery
		// goroutine, which may be blocked in OnSensorSample.
		if sub != nil {
			sub.Unsubscribe()
		}
		s.log.Info("tracking session stopped")
	})
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// State returns a consistent copy of the tracking metrics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Route:           s.acc.Route(),
		TotalDistanceKm: s.totalKm,
		StepCount:       s.steps,
		CurrentSpeedKmh: s.speedKmh,
		LastMagnitude:   s.detector.LastMagnitude(),
	}
}

// Status returns the consumer-facing view of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:           s.ID,
		Phase:               s.phase,
		RestoredFromStorage: s.restored,
		Route:               s.acc.Route(),
		TotalDistanceKm:     s.totalKm,
		StepCount:           s.steps,
		CurrentSpeedKmh:     s.speedKmh,
		LastMagnitude:       s.detector.LastMagnitude(),
		ErrorMsg:            s.errorMsg,
		SensorError:         s.sensorErr,
		LastTickError:       s.lastTickErr,
		PersistErrors:       s.persistErrs,
		LastPersistError:    s.lastPersist,
		Ticks:               s.ticks,
	}
	if s.coord != nil {
		c := *s.coord
		st.Coordinate = &c
	}
	if s.sample != nil {
		smp := *s.sample
		st.LatestSample = &smp
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	return st
}

// History returns the recorded snapshots, including any loaded at startup.
func (s *Session) History() []history.Snapshot {
	return s.cfg.Recorder.History()
}
