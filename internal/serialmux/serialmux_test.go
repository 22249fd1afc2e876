package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// pipePort is a SerialPorter whose read side is fed by the test.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  strings.Builder
	writeErr error
	shortBy  int
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written.Write(b)
	return len(b) - p.shortBy, nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *pipePort) feed(t *testing.T, s string) {
	t.Helper()
	if _, err := p.w.Write([]byte(s)); err != nil {
		t.Fatalf("feed: %v", err)
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestSerialMux_SubscribeUniqueIDs(t *testing.T) {
	mux := NewSerialMux(newPipePort())
	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	if id1 == "" || id2 == "" || id1 == id2 {
		t.Errorf("subscription IDs %q and %q should be unique and non-empty", id1, id2)
	}
	if ch1 == nil || ch2 == nil {
		t.Fatal("Subscribe returned nil channel")
	}
	if len(mux.subscribers) != 2 {
		t.Errorf("subscribers = %d, want 2", len(mux.subscribers))
	}
}

func TestSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	mux := NewSerialMux(newPipePort())
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Unknown IDs are ignored.
	mux.Unsubscribe("does-not-exist")
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- mux.Monitor(ctx) }()

	port.feed(t, "$GPRMC,one\r\n\n0.1,0.2,9.8\n")

	for _, ch := range []chan string{ch1, ch2} {
		if got := recv(t, ch); got != "$GPRMC,one" {
			t.Errorf("first line = %q, want CR stripped", got)
		}
		if got := recv(t, ch); got != "0.1,0.2,9.8" {
			t.Errorf("second line = %q (blank lines must be skipped)", got)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorReturnsNilOnEOF(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.Monitor(context.Background()) }()

	port.w.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Monitor returned %v on EOF, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return on EOF")
	}
}

func TestSerialMux_MonitorReturnsReadError(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	errCh := make(chan error, 1)
	go func() { errCh <- mux.Monitor(context.Background()) }()

	boom := errors.New("device unplugged")
	port.w.CloseWithError(boom)
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("Monitor returned %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return on read error")
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("$PMTK220,1000*1F"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("RATE 50\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got, want := port.Written(), "$PMTK220,1000*1F\r\nRATE 50\n"; got != want {
		t.Errorf("written = %q, want %q", got, want)
	}

	port.shortBy = 1
	if err := mux.SendCommand("X"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write error = %v, want ErrWriteFailed", err)
	}
	port.shortBy = 0
	port.writeErr = errors.New("io")
	if err := mux.SendCommand("X"); err == nil {
		t.Error("SendCommand should surface write errors")
	}
}

func TestSerialMux_InitializeSendsCommandsInOrder(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port, "$PMTK314,0,1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0*29", "$PMTK220,1000*1F")
	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := "$PMTK314,0,1,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0*29\r\n$PMTK220,1000*1F\r\n"
	if got := port.Written(); got != want {
		t.Errorf("written = %q, want %q", got, want)
	}

	port.writeErr = errors.New("io")
	if err := mux.Initialize(); err == nil {
		t.Error("Initialize should fail when the port rejects writes")
	}
}

func TestSerialMux_CloseClosesSubscribersAndPort(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if !port.closed {
		t.Error("port should be closed")
	}
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing after Close should return a closed channel")
	}
}

func TestSerialMux_AttachAdminRoutesPrefixed(t *testing.T) {
	mux := http.NewServeMux()
	NewSerialMux(newPipePort()).WithName("gps").AttachAdminRoutes(mux)
	NewSerialMux(newPipePort()).WithName("imu").AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/gps-send-command", "/debug/imu-tail.js", "/debug/gps-send-command-api"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code == http.StatusNotFound {
			t.Errorf("route %s not registered", path)
		}
	}
}

func TestSendCommandTemplateRenders(t *testing.T) {
	var b strings.Builder
	if err := sendCommandTemplate.Execute(&b, map[string]string{"Name": "gps", "Prefix": "gps-"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(b.String(), "gps-tail.js") {
		t.Errorf("rendered page does not reference the tail script:\n%s", b.String())
	}
}
