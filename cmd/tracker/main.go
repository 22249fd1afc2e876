// Command tracker runs a motion and location tracking session against a GNSS
// receiver and an accelerometer and serves its state over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/motion.report/internal/api"
	"github.com/banshee-data/motion.report/internal/config"
	"github.com/banshee-data/motion.report/internal/db"
	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/history"
	"github.com/banshee-data/motion.report/internal/location"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/motion"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/serialmux"
	"github.com/banshee-data/motion.report/internal/store"
	"github.com/banshee-data/motion.report/internal/tracking"
	"github.com/banshee-data/motion.report/internal/version"
)

// options are the command-line settings. Each flag defaults to its TRACKER_*
// environment variable, which may come from a .env file.
type options struct {
	configPath  string
	devMode     bool
	gpxPath     string
	listen      string
	units       string
	showVersion bool
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", envOr("TRACKER_CONFIG", ""), "Tracker config file (.json, .yaml or .yml)")
	fs.BoolVar(&o.devMode, "dev", envBool("TRACKER_DEV"), "Run against simulated GNSS and IMU devices")
	fs.StringVar(&o.gpxPath, "gpx", envOr("TRACKER_GPX", ""), "Replay fixes from a GPX track instead of a receiver")
	fs.StringVar(&o.listen, "listen", envOr("TRACKER_LISTEN", ""), "Listen address (overrides config)")
	fs.StringVar(&o.units, "units", envOr("TRACKER_UNITS", "kmph"), "Default speed units for the API (mps, mph, kmph, kph)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, nil); err != nil {
		monitoring.Logger.WithError(err).Fatal("tracker exited")
	}
}

func loadConfig(path string) (*config.TrackerConfig, error) {
	if path == "" {
		return config.EmptyTrackerConfig(), nil
	}
	return config.LoadTrackerConfig(path)
}

// openStore opens the configured backend. attach mounts backend-specific
// admin routes and may be nil.
func openStore(cfg *config.TrackerConfig) (st store.Store, attach func(*http.ServeMux) error, err error) {
	switch backend := cfg.GetStoreBackend(); backend {
	case config.BackendSQLite:
		d, err := db.NewDB(cfg.GetStorePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return d, d.AttachAdminRoutes, nil
	case config.BackendBadger:
		b, err := store.OpenBadger(cfg.GetStorePath())
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return b, nil, nil
	case config.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// devRoute is a small loop around a park used by -dev, one fix per second at
// a walking pace.
func devRoute(n int, start time.Time) []geo.Coordinate {
	const (
		centreLat = 51.5246
		centreLon = -0.1340
		radiusDeg = 0.0015
	)
	out := make([]geo.Coordinate, n)
	for i := range out {
		theta := 2 * math.Pi * float64(i) / float64(n)
		out[i] = geo.Coordinate{
			Latitude:  centreLat + radiusDeg*math.Sin(theta),
			Longitude: centreLon + radiusDeg*math.Cos(theta),
			Speed:     1.4,
			Heading:   math.Mod(360-theta*180/math.Pi, 360),
			Timestamp: start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

// devIMULines alternates rest and heel-strike samples so the detector
// counts a step on every other line.
var devIMULines = []string{
	"0.12,-0.05,9.78",
	"0.40,0.10,11.60",
	`{"x":0.10,"y":-0.02,"z":9.81}`,
	"0.35,0.20,11.40",
}

func locationProvider(opts options, cfg *config.TrackerConfig) (location.Provider, func(), error) {
	nmea := func(open serialmux.Opener) (location.Provider, func(), error) {
		p := location.NewNMEAProvider(location.NMEAConfig{
			Open:    open,
			Timeout: cfg.GetFixTimeout(),
			MaxAge:  cfg.GetFixMaxAge(),
		})
		return p, func() { _ = p.Close() }, nil
	}

	switch gps := cfg.GetGPS(); {
	case opts.gpxPath != "":
		points, err := location.LoadGPX(opts.gpxPath)
		if err != nil {
			return nil, nil, err
		}
		monitoring.Logger.WithField("points", len(points)).Info("replaying gpx track")
		return location.NewGPXReplayProvider(points, time.Now), func() {}, nil
	case opts.devMode:
		route := devRoute(60, time.Now().UTC())
		lines := make([]string, len(route))
		for i, c := range route {
			lines[i] = location.FormatRMC(c)
		}
		return nmea(func() (serialmux.SerialMuxInterface, error) {
			return serialmux.NewMockSerialMux(time.Second, lines...).WithName("gps"), nil
		})
	case gps.Port != "":
		return nmea(serialmux.RealOpener(gps.Port, "gps", gps.PortOptions, gps.InitCommands...))
	default:
		return nil, nil, errors.New("no location source: set gps.port, -gpx or -dev")
	}
}

func imuMux(opts options, cfg *config.TrackerConfig) (serialmux.SerialMuxInterface, error) {
	imu := cfg.GetIMU()
	switch {
	case opts.devMode:
		return serialmux.NewMockSerialMux(100*time.Millisecond, devIMULines...).WithName("imu"), nil
	case imu.Port != "":
		m, err := serialmux.NewRealSerialMux(imu.Port, imu.PortOptions, imu.InitCommands...)
		if err != nil {
			return nil, err
		}
		return m.WithName("imu"), nil
	default:
		return serialmux.NewDisabledSerialMux(), nil
	}
}

// run wires the tracker and blocks until ctx is done. ready, when non-nil,
// receives the bound HTTP address once the server is listening.
func run(ctx context.Context, opts options, ready chan<- string) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := monitoring.Init(monitoring.Config{
		Level:      cfg.GetLogLevel(),
		File:       cfg.GetLogFile(),
		MaxSizeMB:  cfg.GetLogMaxSizeMB(),
		MaxBackups: cfg.GetLogMaxBackups(),
		MaxAgeDays: cfg.GetLogMaxAgeDays(),
		Compress:   cfg.GetLogCompress(),
	}); err != nil {
		return err
	}
	monitoring.Logger.Info(version.String())

	st, attachStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var session atomic.Pointer[tracking.Session]
	writer := store.NewAsyncWriter(store.AsyncWriterConfig{
		Store:   st,
		Timeout: cfg.GetPersistTimeout(),
		OnError: func(key string, err error) {
			if s := session.Load(); s != nil {
				s.OnPersistError(key, err)
			}
		},
	})
	defer writer.Close()

	provider, closeProvider, err := locationProvider(opts, cfg)
	if err != nil {
		return err
	}
	defer closeProvider()

	imu, err := imuMux(opts, cfg)
	if err != nil {
		return fmt.Errorf("open imu: %w", err)
	}
	defer imu.Close()
	if err := imu.Initialize(); err != nil {
		monitoring.Logger.WithError(err).Warn("imu initialisation failed")
	}
	accel := sensor.NewSerialAccelerometer(imu)

	magnitude, err := motion.FormulaByName(cfg.GetMagnitudeFormula())
	if err != nil {
		return err
	}
	sess, err := tracking.NewSession(tracking.Config{
		Location:      provider,
		Accelerometer: accel,
		Store:         st,
		Writer:        writer,
		Recorder:      history.NewRecorder(writer),
		TickInterval:  cfg.GetTickInterval(),
		DetectorOptions: []motion.Option{
			motion.WithThreshold(cfg.GetStepThreshold()),
			motion.WithMagnitude(magnitude),
		},
		ResetClearsMagnitude: cfg.GetResetClearsMagnitude(),
	})
	if err != nil {
		return err
	}
	session.Store(sess)

	mux := api.NewServer(sess, opts.units).ServeMux()
	if attachStore != nil {
		if err := attachStore(mux); err != nil {
			return fmt.Errorf("attach store admin routes: %w", err)
		}
	}
	imu.AttachAdminRoutes(mux)

	addr := cfg.GetListen()
	if opts.listen != "" {
		addr = opts.listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(mux)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := imu.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logger.WithError(err).Error("imu monitor stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := sess.Supervise(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logger.WithError(err).Error("tracking session ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logger.WithError(err).Error("http server failed")
		}
	}()
	monitoring.Logger.WithField("addr", ln.Addr().String()).Info("http server listening")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logger.WithError(err).Warn("http shutdown")
	}
	sess.Teardown()
	wg.Wait()

	if err := writer.Flush(shutdownCtx); err != nil {
		monitoring.Logger.WithError(err).Warn("pending writes not flushed")
	}
	monitoring.Logger.Info("tracker stopped")
	return nil
}
