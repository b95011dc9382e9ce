// Package store is the persistence layer ("Ledger"): accounts, the
// append-only check-in log, and the named settings table, all in one
// SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

type dbConfig struct {
	busyTimeout int
	mkdirAll    bool
}

// Option customises Open behaviour.
type Option func(*dbConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *dbConfig) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *dbConfig) { c.mkdirAll = true } }

// Open opens the SQLite database at path with WAL and foreign keys
// enabled, and applies the schema.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := dbConfig{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for testing with the schema
// applied. MaxOpenConns(1) keeps every query on the same connection —
// each new connection to ":memory:" would see a fresh empty database.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	if err := s.Init(); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	return s
}
