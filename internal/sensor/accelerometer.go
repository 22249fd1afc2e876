// Package sensor adapts accelerometer devices to a callback subscription.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/motion"
	"github.com/banshee-data/motion.report/internal/serialmux"
)

// ErrSensorUnavailable is returned by Subscribe when no accelerometer is
// available. Callers disable step tracking and carry on.
var ErrSensorUnavailable = errors.New("accelerometer unavailable")

// Subscription is an active sample stream.
type Subscription interface {
	// Unsubscribe stops delivery. After it returns the callback is not
	// invoked again. It is safe to call more than once.
	Unsubscribe()
}

// Accelerometer delivers samples to a callback on its own goroutine.
type Accelerometer interface {
	Subscribe(func(motion.Sample)) (Subscription, error)
}

// Subscriber is the part of a serial mux the accelerometer reads from.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// SerialAccelerometer reads samples from an IMU line stream. Each line is
// either "x,y,z" or a JSON object with x, y and z fields.
type SerialAccelerometer struct {
	mux     Subscriber
	dropped atomic.Int64
}

// NewSerialAccelerometer wraps mux. A nil mux or a disabled mux yields an
// accelerometer whose Subscribe always fails with ErrSensorUnavailable.
func NewSerialAccelerometer(mux Subscriber) *SerialAccelerometer {
	return &SerialAccelerometer{mux: mux}
}

// Dropped returns how many lines could not be parsed as samples.
func (a *SerialAccelerometer) Dropped() int64 {
	return a.dropped.Load()
}

// Subscribe starts delivering parsed samples to fn.
func (a *SerialAccelerometer) Subscribe(fn func(motion.Sample)) (Subscription, error) {
	if a == nil || a.mux == nil {
		return nil, ErrSensorUnavailable
	}
	if _, disabled := a.mux.(*serialmux.DisabledSerialMux); disabled {
		return nil, fmt.Errorf("%w: no imu port configured", ErrSensorUnavailable)
	}
	if fn == nil {
		return nil, errors.New("sensor: nil sample callback")
	}
	id, lines := a.mux.Subscribe()
	sub := &lineSubscription{
		unsubscribe: func() { a.mux.Unsubscribe(id) },
		done:        make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for line := range lines {
			if serialmux.ClassifyLine(line) != serialmux.LineTypeAccel {
				continue
			}
			s, err := ParseSample(line)
			if err != nil {
				if a.dropped.Add(1) == 1 {
					monitoring.Logf("sensor: dropping unparsable sample %q: %v", line, err)
				}
				continue
			}
			fn(s)
		}
	}()
	return sub, nil
}

type lineSubscription struct {
	once        sync.Once
	unsubscribe func()
	done        chan struct{}
}

func (s *lineSubscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
	<-s.done
}

// ParseSample decodes an accelerometer line in CSV or JSON form.
func ParseSample(line string) (motion.Sample, error) {
	line = strings.TrimSpace(line)
	var s motion.Sample
	if strings.HasPrefix(line, "{") {
		var raw struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
			Z *float64 `json:"z"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return s, fmt.Errorf("decode sample: %w", err)
		}
		if raw.X == nil || raw.Y == nil || raw.Z == nil {
			return s, errors.New("sample missing an axis")
		}
		s = motion.Sample{X: *raw.X, Y: *raw.Y, Z: *raw.Z}
	} else {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return s, fmt.Errorf("want 3 fields, got %d", len(fields))
		}
		var vals [3]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return s, fmt.Errorf("axis %d: %w", i, err)
			}
			vals[i] = v
		}
		s = motion.Sample{X: vals[0], Y: vals[1], Z: vals[2]}
	}
	for _, v := range []float64{s.X, s.Y, s.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return motion.Sample{}, errors.New("non-finite axis value")
		}
	}
	return s, nil
}
