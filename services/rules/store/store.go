// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists clarification interactions, learned patterns and
// daily pattern-performance aggregates in SQLite.
//
// The database is opened with a single connection and immediate
// transactions, so every upsert runs as one atomic write even when many
// clarifications resolve concurrently.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyResolved is returned when resolving an interaction that already
// has a resolution. An interaction is resolved exactly once.
var ErrAlreadyResolved = errors.New("store: interaction already resolved")

// DBPathEnvVar overrides the default database location.
const DBPathEnvVar = "RULES_DB_PATH"

const schema = `
CREATE TABLE IF NOT EXISTS clarification_interactions (
	id                  TEXT PRIMARY KEY,
	query               TEXT NOT NULL,
	original_intent     TEXT NOT NULL,
	original_confidence REAL NOT NULL,
	original_method     TEXT NOT NULL,
	ambiguity_type      TEXT NOT NULL DEFAULT '',
	options_json        TEXT NOT NULL DEFAULT '[]',
	selected_option     TEXT NOT NULL DEFAULT '',
	resolved_intent     TEXT NOT NULL DEFAULT '',
	was_helpful         INTEGER,
	time_to_resolve_ms  INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	resolved_at         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS learned_patterns (
	id          TEXT PRIMARY KEY,
	text        TEXT NOT NULL,
	type        TEXT NOT NULL,
	intent      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1,
	successes   INTEGER NOT NULL DEFAULT 1,
	failures    INTEGER NOT NULL DEFAULT 0,
	is_active   INTEGER NOT NULL DEFAULT 1,
	verified    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE (text, type, intent)
);
CREATE INDEX IF NOT EXISTS idx_learned_intent ON learned_patterns(intent);
CREATE INDEX IF NOT EXISTS idx_learned_active ON learned_patterns(is_active, verified);

CREATE TABLE IF NOT EXISTS pattern_examples (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_id TEXT NOT NULL,
	query      TEXT NOT NULL,
	UNIQUE (pattern_id, query),
	FOREIGN KEY (pattern_id) REFERENCES learned_patterns(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pattern_performance (
	day                  TEXT PRIMARY KEY,
	clarifications_shown INTEGER NOT NULL DEFAULT 0,
	resolved             INTEGER NOT NULL DEFAULT 0,
	patterns_learned     INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed persistence layer.
//
// # Thread Safety
//
// Safe for concurrent use. database/sql serializes access to the single
// connection.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// DefaultPath returns RULES_DB_PATH, or ~/.aleutian/rules/rules.db.
func DefaultPath() string {
	if p := os.Getenv(DBPathEnvVar); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".aleutian", "rules", "rules.db")
	}
	return filepath.Join(os.TempDir(), "aleutian-rules.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema.
//
// # Inputs
//
//   - ctx: Bounds the migration.
//   - path: Database file. ":memory:" opens a private in-memory database.
//   - logger: Logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Store: Opened store. Caller must Close it.
//   - error: Non-nil if the file cannot be opened or migrated.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("store: path required")
	}

	dsn := "file::memory:?_txlock=immediate"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
		dsn = "file:" + path + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	logger.Info("rules store opened", slog.String("path", path))
	return &Store{db: db, path: path, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in one immediate transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
