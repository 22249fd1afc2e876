package serialmux

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// MockSerialPort implements SerialPorter for dev mode and tests. Reads come
// from the embedded Reader; writes are captured and can be inspected.
type MockSerialPort struct {
	io.Reader

	mu      sync.Mutex
	written bytes.Buffer
	closeFn func() error
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything written to the port so far.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

// DefaultMockInterval is how often NewMockSerialMux emits a fixture line.
const DefaultMockInterval = 500 * time.Millisecond

// NewMockSerialMux creates a SerialMux whose port emits the given fixture
// lines in order, one every interval, cycling forever until Close. Lines
// without a trailing newline get one.
func NewMockSerialMux(interval time.Duration, lines ...string) *SerialMux[*MockSerialPort] {
	if interval <= 0 {
		interval = DefaultMockInterval
	}
	r, w := io.Pipe()
	stop := make(chan struct{})
	var once sync.Once

	mockPort := &MockSerialPort{Reader: r}
	mockPort.closeFn = func() error {
		once.Do(func() { close(stop) })
		return r.Close()
	}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			line := lines[i%len(lines)]
			if len(line) == 0 || line[len(line)-1] != '\n' {
				line += "\n"
			}
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(mockPort)
}
