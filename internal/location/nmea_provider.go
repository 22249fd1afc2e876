package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/motion.report/internal/geo"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/serialmux"
	"github.com/banshee-data/motion.report/internal/timeutil"
)

// Defaults for NMEAConfig.
const (
	DefaultFixTimeout = 3 * time.Second
	DefaultFixMaxAge  = 10 * time.Second
)

// NMEAConfig configures an NMEAProvider.
type NMEAConfig struct {
	// Open opens the receiver. Opening is what RequestPermission asks for.
	Open serialmux.Opener
	// Clock stamps received fixes for the freshness check.
	Clock timeutil.Clock
	// Timeout bounds how long CurrentFix waits for a fresh fix.
	Timeout time.Duration
	// MaxAge is the oldest a received fix may be and still be returned.
	MaxAge time.Duration
}

// NMEAProvider serves fixes decoded from a GNSS receiver's RMC sentences,
// with altitude taken from the most recent GGA sentence.
type NMEAProvider struct {
	cfg NMEAConfig

	mu         sync.Mutex
	mux        serialmux.SerialMuxInterface
	latest     geo.Coordinate
	receivedAt time.Time
	have       bool
	altitude   float64
	haveAlt    bool
	update     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewNMEAProvider returns a provider that has not yet opened its receiver.
func NewNMEAProvider(cfg NMEAConfig) *NMEAProvider {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFixTimeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultFixMaxAge
	}
	return &NMEAProvider{cfg: cfg, update: make(chan struct{})}
}

// Mux returns the opened receiver mux, or nil before permission is granted.
func (p *NMEAProvider) Mux() serialmux.SerialMuxInterface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mux
}

// RequestPermission opens the receiver. A permission error from the OS is a
// denial; any other open failure is returned as an error.
func (p *NMEAProvider) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mux != nil {
		return true, nil
	}
	if p.cfg.Open == nil {
		return false, errors.New("location: no receiver configured")
	}

	m, err := p.cfg.Open()
	if serialmux.IsPermissionError(err) {
		monitoring.Logger.WithError(err).Warn("gnss receiver access denied")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open gnss receiver: %w", err)
	}
	if err := m.Initialize(); err != nil {
		monitoring.Logger.WithError(err).Warn("gnss receiver initialisation failed, continuing with device defaults")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	_, lines := m.Subscribe()
	p.mux = m
	p.cancel = cancel

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := m.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logger.WithError(err).Error("gnss receiver monitor stopped")
		}
	}()
	go func() {
		defer p.wg.Done()
		for line := range lines {
			p.handleLine(line)
		}
	}()
	return true, nil
}

func (p *NMEAProvider) handleLine(line string) {
	if serialmux.ClassifyLine(line) != serialmux.LineTypeNMEA {
		return
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return
	}

	switch v := s.(type) {
	case nmea.GGA:
		alt, err := ggaAltitude(v)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.altitude, p.haveAlt = alt, true
		p.mu.Unlock()
	case nmea.RMC:
		c, err := rmcCoordinate(v)
		if err != nil {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.haveAlt {
			c.Altitude = p.altitude
		}
		p.latest = c
		p.receivedAt = p.cfg.Clock.Now()
		p.have = true
		close(p.update)
		p.update = make(chan struct{})
	}
}

// CurrentFix returns the latest fix if it is younger than MaxAge, otherwise
// waits up to Timeout for a new one.
func (p *NMEAProvider) CurrentFix(ctx context.Context) (geo.Coordinate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.mux == nil {
			p.mu.Unlock()
			return geo.Coordinate{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, ErrPermissionNotGranted)
		}
		if p.have && p.cfg.Clock.Since(p.receivedAt) <= p.cfg.MaxAge {
			c := p.latest
			p.mu.Unlock()
			return c, nil
		}
		wait := p.update
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return geo.Coordinate{}, fmt.Errorf("%w: no fix within %v: %w", ErrLocationUnavailable, p.cfg.Timeout, ctx.Err())
		}
	}
}

// Close stops reading and closes the receiver.
func (p *NMEAProvider) Close() error {
	p.mu.Lock()
	m, cancel := p.mux, p.cancel
	p.mux, p.cancel = nil, nil
	p.mu.Unlock()
	if m == nil {
		return nil
	}
	cancel()
	err := m.Close()
	p.wg.Wait()
	return err
}
