package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/history"
	"github.com/banshee-data/motion.report/internal/location"
	"github.com/banshee-data/motion.report/internal/motion"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/store"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

type fixResult struct {
	c   geo.Coordinate
	err error
}

type fakeProvider struct {
	mu       sync.Mutex
	grants   []bool
	permErr  error
	fixes    []fixResult
	requests int
	calls    int
}

func (f *fakeProvider) RequestPermission(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.permErr != nil {
		return false, f.permErr
	}
	if len(f.grants) == 0 {
		return true, nil
	}
	g := f.grants[0]
	if len(f.grants) > 1 {
		f.grants = f.grants[1:]
	}
	return g, nil
}

func (f *fakeProvider) CurrentFix(ctx context.Context) (geo.Coordinate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fixes) == 0 {
		return geo.Coordinate{}, location.ErrLocationUnavailable
	}
	r := f.fixes[0]
	f.fixes = f.fixes[1:]
	return r.c, r.err
}

func (f *fakeProvider) push(rs ...fixResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = append(f.fixes, rs...)
}

func (f *fakeProvider) fixCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAccel struct {
	mu           sync.Mutex
	err          error
	subscribed   int
	unsubscribed int
	fn           func(motion.Sample)
}

func (f *fakeAccel) Subscribe(fn func(motion.Sample)) (sensor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscribed++
	f.fn = fn
	return fakeSub{f}, nil
}

func (f *fakeAccel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed, f.unsubscribed
}

type fakeSub struct{ f *fakeAccel }

func (s fakeSub) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.unsubscribed++
}

type memPutter struct {
	mu   sync.Mutex
	vals map[string]string
	err  error
}

func (m *memPutter) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.vals == nil {
		m.vals = make(map[string]string)
	}
	m.vals[key] = value
	return nil
}

func (m *memPutter) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[key]
}

type harness struct {
	session  *Session
	provider *fakeProvider
	accel    *fakeAccel
	store    *store.MemoryStore
	writer   *memPutter
	clock    *timeutil.MockClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		provider: &fakeProvider{},
		accel:    &fakeAccel{},
		store:    store.NewMemoryStore(),
		writer:   &memPutter{},
		clock:    timeutil.NewMockClock(time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		Location:      h.provider,
		Accelerometer: h.accel,
		Store:         h.store,
		Writer:        h.writer,
		Clock:         h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(s.Teardown)
	return h
}

var (
	pointA = geo.Coordinate{Latitude: 0, Longitude: 0, Speed: 1.5, Timestamp: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}
	pointB = geo.Coordinate{Latitude: 0, Longitude: 0.001, Speed: 2, Timestamp: time.Date(2024, 4, 1, 8, 0, 5, 0, time.UTC)}
)

func TestNewSession_RequiresLocation(t *testing.T) {
	_, err := NewSession(Config{})
	assert.Error(t, err)
}

func TestSession_TwoTicksAccumulateDistance(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.push(fixResult{c: pointA}, fixResult{c: pointA}, fixResult{c: pointB})
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx))
	assert.Equal(t, PhaseActive, h.session.Phase())
	assert.Empty(t, h.session.State().Route, "the startup fix is displayed, not routed")

	snap1, err := h.session.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap1.DistanceKm)

	h.clock.Advance(5 * time.Second)
	snap2, err := h.session.Tick(ctx)
	require.NoError(t, err)

	st := h.session.State()
	assert.Len(t, st.Route, 2)
	assert.InDelta(t, 0.1112, st.TotalDistanceKm, 0.0001)
	assert.InDelta(t, 7.2, st.CurrentSpeedKmh, 1e-9)
	assert.InDelta(t, 0.1112, snap2.DistanceKm, 0.0001, "snapshot includes this tick's increment")
	assert.Equal(t, h.clock.Now(), snap2.Timestamp)

	var persisted []history.Snapshot
	require.NoError(t, json.Unmarshal([]byte(h.writer.get(store.KeyHistory)), &persisted))
	assert.Len(t, persisted, 2)

	var last geo.Coordinate
	require.NoError(t, json.Unmarshal([]byte(h.writer.get(store.KeyLastLocation)), &last))
	if diff := cmp.Diff(pointB, last); diff != "" {
		t.Errorf("queued lastLocation mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_PermissionDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.grants = []bool{false}
	h.provider.push(fixResult{c: pointA}, fixResult{c: pointB})
	ctx := context.Background()

	err := h.session.Start(ctx)
	require.ErrorIs(t, err, ErrPermissionDenied)

	st := h.session.Status()
	assert.Equal(t, PhasePermissionDenied, st.Phase)
	assert.NotEmpty(t, st.ErrorMsg)
	assert.Nil(t, st.Coordinate)

	assert.ErrorIs(t, h.session.Run(ctx), ErrNotActive)
	assert.Empty(t, h.clock.Tickers(), "no ticker may be created")
	subs, _ := h.accel.counts()
	assert.Zero(t, subs, "no sensor subscription may be created")

	h.clock.Advance(time.Minute)
	_, err = h.session.Tick(ctx)
	assert.ErrorIs(t, err, ErrNotActive)
	h.session.OnSensorSample(motion.Sample{Z: 50})

	if diff := cmp.Diff(State{Route: []geo.Coordinate{}}, h.session.State()); diff != "" {
		t.Errorf("state changed while denied (-want +got):\n%s", diff)
	}
	assert.Zero(t, h.provider.fixCalls())
}

func TestSession_PermissionRequestError(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.permErr = errors.New("receiver unplugged")

	err := h.session.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, h.session.Status().ErrorMsg, "receiver unplugged")
}

func TestSession_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	assert.ErrorIs(t, h.session.Start(ctx), ErrAlreadyStarted)
}

func TestSession_StepsFromSensorStream(t *testing.T) {
	h := newHarness(t, nil)
	h.session.OnSensorSample(motion.Sample{Z: 9}) // ignored before Active

	require.NoError(t, h.session.Start(context.Background()))
	for _, z := range []float64{0, 2, 0, 2} {
		h.accel.fn(motion.Sample{Z: z})
	}

	st := h.session.Status()
	assert.Equal(t, 3, st.StepCount)
	assert.Equal(t, 2.0, st.LastMagnitude)
	require.NotNil(t, st.LatestSample)
	assert.Equal(t, motion.Sample{Z: 2}, *st.LatestSample)

	h.provider.push(fixResult{c: pointA})
	snap, err := h.session.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.StepCount)
}

func TestSession_ResetIsIdempotentAndKeepsHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	h.accel.fn(motion.Sample{Z: 5})
	h.provider.push(fixResult{c: pointA}, fixResult{c: pointB})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err)
	_, err = h.session.Tick(ctx)
	require.NoError(t, err)

	persistedBefore := h.writer.get(store.KeyHistory)
	historyBefore := h.session.History()

	h.session.Reset()
	first := h.session.State()
	h.session.Reset()
	second := h.session.State()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second Reset changed state (-first +second):\n%s", diff)
	}
	assert.Empty(t, first.Route)
	assert.Zero(t, first.TotalDistanceKm)
	assert.Zero(t, first.StepCount)
	assert.Equal(t, 5.0, first.LastMagnitude, "reset keeps the last magnitude by default")
	assert.Equal(t, persistedBefore, h.writer.get(store.KeyHistory))
	if diff := cmp.Diff(historyBefore, h.session.History()); diff != "" {
		t.Errorf("Reset altered history (-before +after):\n%s", diff)
	}
}

func TestSession_ResetClearsMagnitudeWhenConfigured(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ResetClearsMagnitude = true })
	require.NoError(t, h.session.Start(context.Background()))
	h.accel.fn(motion.Sample{Z: 5})

	h.session.Reset()
	assert.Zero(t, h.session.State().LastMagnitude)
}

func TestSession_RestoresLastLocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, h.store, store.KeyLastLocation, pointA))
	h.provider.push(fixResult{err: location.ErrLocationUnavailable})

	require.NoError(t, h.session.Start(ctx))

	st := h.session.Status()
	assert.Equal(t, PhaseActive, st.Phase, "a failed startup fix still activates the session")
	assert.True(t, st.RestoredFromStorage)
	require.NotNil(t, st.Coordinate)
	if diff := cmp.Diff(pointA, *st.Coordinate); diff != "" {
		t.Errorf("restored coordinate mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, st.Route)
	assert.NotEmpty(t, st.LastTickError)

	h.provider.push(fixResult{c: pointB})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err)
	st = h.session.Status()
	assert.False(t, st.RestoredFromStorage)
	assert.Empty(t, st.LastTickError)
}

func TestSession_StartupFixOverwritesLastLocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, h.store, store.KeyLastLocation, pointA))
	h.provider.push(fixResult{c: pointB})

	require.NoError(t, h.session.Start(ctx))
	assert.False(t, h.session.Status().RestoredFromStorage)

	var got geo.Coordinate
	found, err := store.GetJSON(ctx, h.store, store.KeyLastLocation, &got)
	require.NoError(t, err)
	require.True(t, found)
	if diff := cmp.Diff(pointB, got); diff != "" {
		t.Errorf("lastLocation round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_CorruptLastLocationIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, store.KeyLastLocation, "{not json"))
	require.NoError(t, h.store.Set(ctx, store.KeyHistory, "[{]"))

	require.NoError(t, h.session.Start(ctx))
	st := h.session.Status()
	assert.False(t, st.RestoredFromStorage)
	assert.Nil(t, st.Coordinate)
	assert.Empty(t, h.session.History())
}

func TestSession_LoadedHistoryIsKept(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	earlier := []history.Snapshot{{
		Timestamp:  time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC),
		Coordinate: pointA,
		StepCount:  10,
		DistanceKm: 1.5,
	}}
	require.NoError(t, store.SetJSON(ctx, h.store, store.KeyHistory, earlier))

	require.NoError(t, h.session.Start(ctx))
	h.provider.push(fixResult{c: pointB})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err)

	got := h.session.History()
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].StepCount)

	var persisted []history.Snapshot
	require.NoError(t, json.Unmarshal([]byte(h.writer.get(store.KeyHistory)), &persisted))
	assert.Len(t, persisted, 2, "the overwrite must not truncate earlier sessions")
}

func TestSession_TimestampsStrictlyIncrease(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	h.provider.push(fixResult{c: pointA}, fixResult{c: pointA}, fixResult{c: pointA})

	for i := 0; i < 3; i++ {
		_, err := h.session.Tick(ctx) // clock never advances
		require.NoError(t, err)
	}
	hist := h.session.History()
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i].Timestamp.After(hist[i-1].Timestamp), "snapshot %d not after %d", i, i-1)
	}
}

func TestSession_FailedFixSkipsTick(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	h.provider.push(fixResult{c: pointA})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err)
	before := h.session.State()

	h.provider.push(fixResult{err: errors.New("gps timeout")})
	_, err = h.session.Tick(ctx)
	require.ErrorIs(t, err, location.ErrLocationUnavailable)

	if diff := cmp.Diff(before, h.session.State()); diff != "" {
		t.Errorf("failed tick changed state (-before +after):\n%s", diff)
	}
	assert.Len(t, h.session.History(), 1)
	assert.Contains(t, h.session.Status().LastTickError, "gps timeout")
}

func TestSession_SensorFailureDisablesStepsOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.accel.err = sensor.ErrSensorUnavailable
	ctx := context.Background()

	require.NoError(t, h.session.Start(ctx))
	st := h.session.Status()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.NotEmpty(t, st.SensorError)

	h.provider.push(fixResult{c: pointA}, fixResult{c: pointB})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err)
	_, err = h.session.Tick(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.1112, h.session.State().TotalDistanceKm, 0.0001)
}

func TestSession_NoAccelerometer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Accelerometer = nil })
	require.NoError(t, h.session.Start(context.Background()))
	assert.Contains(t, h.session.Status().SensorError, sensor.ErrSensorUnavailable.Error())
}

func TestSession_PersistErrorsAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.writer.err = store.ErrClosed
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	h.provider.push(fixResult{c: pointA})
	_, err := h.session.Tick(ctx)
	require.NoError(t, err, "persistence failures are not tick failures")

	st := h.session.Status()
	assert.Equal(t, 2, st.PersistErrors, "history and lastLocation writes both failed")
	assert.Contains(t, st.LastPersistError, store.KeyLastLocation)
	assert.Len(t, st.Route, 1)
}

func TestSession_RunTicksOnClock(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.session.Start(ctx))
	h.provider.push(fixResult{c: pointA}, fixResult{c: pointB})

	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.clock.Tickers()) == 1 }, time.Second, time.Millisecond)
	ticker := h.clock.Tickers()[0]
	assert.Equal(t, DefaultTickInterval, ticker.Interval())

	h.clock.Advance(DefaultTickInterval)
	require.Eventually(t, func() bool { return h.session.Status().Ticks == 1 }, time.Second, time.Millisecond)
	h.clock.Advance(DefaultTickInterval)
	require.Eventually(t, func() bool { return h.session.Status().Ticks == 2 }, time.Second, time.Millisecond)
	assert.InDelta(t, 0.1112, h.session.State().TotalDistanceKm, 0.0001)

	assert.ErrorIs(t, h.session.Run(ctx), ErrAlreadyStarted)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, ticker.Stopped())
	assert.Equal(t, PhaseStopped, h.session.Phase())
	_, unsubs := h.accel.counts()
	assert.Equal(t, 1, unsubs)
	assert.Len(t, h.clock.Tickers(), 1, "a single ticker for the whole session")
}

func TestSession_TeardownOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Start(context.Background()))

	h.session.Teardown()
	h.session.Teardown()

	_, unsubs := h.accel.counts()
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, PhaseStopped, h.session.Phase())
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrNotActive)
	select {
	case <-h.session.Done():
	default:
		t.Fatal("Done not closed after Teardown")
	}
}

func TestSession_SuperviseRetriesPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.grants = []bool{false, true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.ErrorIs(t, h.session.RetryPermission(), ErrNoRetryPending)

	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Supervise(ctx) }()

	require.Eventually(t, func() bool { return h.session.Phase() == PhasePermissionDenied }, time.Second, time.Millisecond)
	assert.Empty(t, h.clock.Tickers())

	require.NoError(t, h.session.RetryPermission())
	require.Eventually(t, func() bool { return h.session.Phase() == PhaseActive }, time.Second, time.Millisecond)
	assert.Empty(t, h.session.Status().ErrorMsg)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{
		PhaseUninitialized:      "uninitialized",
		PhaseAwaitingPermission: "awaiting_permission",
		PhasePermissionDenied:   "permission_denied",
		PhaseActive:             "active",
		PhaseStopped:            "stopped",
		Phase(42):               "phase(42)",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), got, want)
		}
	}
	data, err := json.Marshal(Status{Phase: PhaseActive})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"active"`)
}

func TestStatus_JSONRoundTrip(t *testing.T) {
	for _, p := range []Phase{PhaseUninitialized, PhaseAwaitingPermission, PhasePermissionDenied, PhaseActive, PhaseStopped} {
		data, err := json.Marshal(Status{SessionID: "s1", Phase: p, StepCount: 3})
		require.NoError(t, err)

		var got Status
		require.NoError(t, json.Unmarshal(data, &got), "decoding %s", data)
		assert.Equal(t, p, got.Phase)
		assert.Equal(t, 3, got.StepCount)
	}

	var p Phase
	assert.Error(t, p.UnmarshalText([]byte("sleeping")))
}
