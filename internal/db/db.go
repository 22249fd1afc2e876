// Package db provides the SQLite-backed key-value store used to persist the
// tracker's last known location and snapshot history.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite handle holding the kv table. It satisfies store.Store.
type DB struct {
	*sql.DB
	path string
}

// KeyInfo describes a stored key without its value.
type KeyInfo struct {
	Key       string    `json:"key"`
	Bytes     int       `json:"bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// NewDB opens the database at path, applies connection pragmas and brings
// the schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Get returns the value stored under key.
func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select %q: %w", key, err)
	}
	return value, true, nil
}

// Set overwrites the value stored under key.
func (db *DB) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("db: key is empty")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_unix_ms) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_unix_ms = excluded.updated_unix_ms`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys ordered by most recent update.
func (db *DB) Keys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, length(value), updated_unix_ms FROM kv ORDER BY updated_unix_ms DESC, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var (
			k  KeyInfo
			ms int64
		)
		if err := rows.Scan(&k.Key, &k.Bytes, &ms); err != nil {
			return nil, err
		}
		k.UpdatedAt = time.UnixMilli(ms).UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
