package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/store"
)

// Putter queues a fire-and-forget overwrite. *store.AsyncWriter implements it.
type Putter interface {
	Put(key, value string) error
}

// Recorder holds the ordered snapshot history. Every Record appends in memory
// and queues the whole list for persistence without waiting for the write.
type Recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	out       Putter
	key       string
}

// NewRecorder returns a recorder that persists under store.KeyHistory.
func NewRecorder(out Putter) *Recorder {
	return &Recorder{out: out, key: store.KeyHistory}
}

// Load reads the persisted history and seeds the in-memory list with it, so
// that later overwrites keep earlier sessions' snapshots. Missing or corrupt
// data is treated as an empty history; only read failures are returned.
func (r *Recorder) Load(ctx context.Context, g store.Getter) ([]Snapshot, error) {
	var loaded []Snapshot
	found, err := store.GetJSON(ctx, g, r.key, &loaded)
	var corrupt *store.CorruptError
	switch {
	case errors.As(err, &corrupt):
		monitoring.Logger.WithError(err).Warn("discarding unreadable history")
		loaded, found = nil, false
	case err != nil:
		return nil, fmt.Errorf("load history: %w", err)
	}
	if !found {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make([]Snapshot, 0, len(loaded)+len(r.snapshots))
	merged = append(merged, loaded...)
	for _, s := range r.snapshots {
		merged = appendOrdered(merged, s)
	}
	r.snapshots = merged

	out := make([]Snapshot, len(loaded))
	copy(out, loaded)
	return out, nil
}

// Record appends s and queues the full history for persistence. A timestamp
// that does not advance past the previous snapshot is moved 1ns after it so
// the history stays strictly ordered. The stored snapshot is returned.
func (r *Recorder) Record(s Snapshot) (Snapshot, error) {
	r.mu.Lock()
	r.snapshots = appendOrdered(r.snapshots, s)
	stored := r.snapshots[len(r.snapshots)-1]
	data, err := json.Marshal(r.snapshots)
	r.mu.Unlock()

	if err != nil {
		return stored, fmt.Errorf("encode history: %w", err)
	}
	if r.out == nil {
		return stored, nil
	}
	if err := r.out.Put(r.key, string(data)); err != nil {
		return stored, fmt.Errorf("queue history write: %w", err)
	}
	return stored, nil
}

// History returns a copy of the recorded snapshots in order.
func (r *Recorder) History() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// Len returns the number of recorded snapshots.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func appendOrdered(list []Snapshot, s Snapshot) []Snapshot {
	if n := len(list); n > 0 {
		prev := list[n-1].Timestamp
		if !s.Timestamp.After(prev) {
			s.Timestamp = prev.Add(1)
		}
	}
	return append(list, s)
}
