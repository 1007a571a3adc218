// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package logstore is the embedded SQLite store for prayer-log records.
//
// It owns three tables: records, mutation_queue and sync_metadata. All row
// mutation goes through this package; the sync engine never touches storage
// directly. Dynamic updates are column-whitelisted to keep untrusted field
// names out of generated SQL.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable wraps local store failures that mean data did not
// persist at all. Callers surface these immediately instead of deferring.
var ErrStorageUnavailable = errors.New("local store unavailable")

// ErrNotFound is returned when a record or queue entry does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite handle and serializes writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Serialize read-modify-write sequences to prevent SQLite locking issues
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}
	// A single connection keeps in-memory databases coherent and avoids
	// writer contention on file databases.
	db.SetMaxOpenConns(1)
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// initializeSchema creates the three core tables and enables WAL mode.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS records (
			local_id       TEXT PRIMARY KEY,
			remote_id      TEXT UNIQUE,
			owner_id       TEXT NOT NULL,
			entry_date     TEXT NOT NULL,
			range_start    INTEGER NOT NULL,
			range_end      INTEGER NOT NULL,
			status         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			sync_state     TEXT NOT NULL DEFAULT 'pending'
			               CHECK (sync_state IN ('pending','synced','conflict','error')),
			last_synced_at TEXT,
			is_deleted     INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS mutation_queue (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			record_local_id TEXT NOT NULL,
			operation       TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload_snapshot TEXT,
			enqueued_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			retry_count     INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS sync_metadata (
			table_name      TEXT PRIMARY KEY,
			last_pulled_at  TEXT,
			version_counter INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_record ON mutation_queue(record_local_id)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// PurgeAll removes every row from all three tables. Used only by the
// irreversible data-wipe flow.
func (s *Store) PurgeAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin purge: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"mutation_queue", "records", "sync_metadata"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}
