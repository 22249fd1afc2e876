// Package store defines the key-value persistence surface used by the
// tracker and provides in-memory and Badger-backed implementations plus an
// asynchronous, coalescing writer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys under which tracker state is persisted.
const (
	KeyLastLocation = "lastLocation"
	KeyHistory      = "history"
)

var (
	// ErrClosed is returned by operations on a closed store or writer.
	ErrClosed = errors.New("store: closed")
	// ErrEmptyKey is returned when an operation is given an empty key.
	ErrEmptyKey = errors.New("store: key is empty")
)

// Getter reads a string value. found is false when the key is absent.
type Getter interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
}

// Setter overwrites a string value.
type Setter interface {
	Set(ctx context.Context, key, value string) error
}

// Store is a string key-value store.
type Store interface {
	Getter
	Setter
	Close() error
}

// CorruptError reports a persisted value that exists but cannot be decoded.
// Callers treat it as absent data.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: corrupt value for %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// GetJSON reads key and decodes it into v. It returns found=false when the key
// is absent and a *CorruptError when the value does not decode.
func GetJSON(ctx context.Context, g Getter, key string, v any) (bool, error) {
	raw, found, err := g.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, &CorruptError{Key: key, Err: err}
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Setter, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := s.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}
