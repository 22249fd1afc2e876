package store

import (
	"context"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single Set issued by AsyncWriter.
const DefaultWriteTimeout = 2 * time.Second

// AsyncWriterConfig configures an AsyncWriter.
type AsyncWriterConfig struct {
	// Store receives the writes.
	Store Setter
	// Timeout bounds each Set call. Zero uses DefaultWriteTimeout.
	Timeout time.Duration
	// OnError is called from the writer goroutine for every failed write.
	// Failed writes are not retried.
	OnError func(key string, err error)
}

// AsyncWriter performs fire-and-forget overwrites on a single background
// goroutine. Only the latest pending value per key is written, so a slow
// store sees at most one outstanding write per key.
type AsyncWriter struct {
	store   Setter
	timeout time.Duration
	onError func(key string, err error)

	mu      sync.Mutex
	pending map[string]string
	closed  bool

	wake     chan struct{}
	flushReq chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewAsyncWriter starts the writer goroutine. Call Close to drain and stop it.
func NewAsyncWriter(cfg AsyncWriterConfig) *AsyncWriter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(string, error) {}
	}
	w := &AsyncWriter{
		store:    cfg.Store,
		timeout:  timeout,
		onError:  onError,
		pending:  make(map[string]string),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Put queues value for key and returns immediately. A value queued for the
// same key before the previous one was written replaces it.
func (w *AsyncWriter) Put(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pending[key] = value
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every value queued before the call has been attempted.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.flushReq <- ack:
	case <-w.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, attempts everything still pending and waits
// for the writer goroutine to exit. It is safe to call multiple times.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return nil
}

func (w *AsyncWriter) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.wake:
			w.drain()
		case ack := <-w.flushReq:
			w.drain()
			close(ack)
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.pending
		w.pending = make(map[string]string)
		w.mu.Unlock()

		for key, value := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := w.store.Set(ctx, key, value)
			cancel()
			if err != nil {
				w.onError(key, err)
			}
		}
	}
}
