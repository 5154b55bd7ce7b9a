// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB with context-aware transaction helpers.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config configures a DB.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// ReadOnly opens an existing directory without writing.
	ReadOnly bool
}

// DefaultConfig returns a disk-backed config rooted at
// ~/.aleutian/cache/rules. Callers usually override Path.
func DefaultConfig() Config {
	path := filepath.Join(os.TempDir(), "aleutian-rules-cache")
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".aleutian", "cache", "rules")
	}
	return Config{Path: path}
}

// InMemoryConfig returns a config for an ephemeral in-memory DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use. Each helper runs its callback in its own
// transaction.
type DB struct {
	db *dgbadger.DB
}

// OpenDB opens a BadgerDB instance.
//
// # Outputs
//
//   - *DB: Opened DB. Caller must Close it.
//   - error: Non-nil if the directory cannot be created or opened.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path required for on-disk DB")
		}
		if !cfg.ReadOnly {
			if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
				return nil, fmt.Errorf("badger: create dir: %w", err)
			}
		}
		opts = dgbadger.DefaultOptions(cfg.Path).
			WithSyncWrites(cfg.SyncWrites).
			WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &DB{db: db}, nil
}

// WithTxn runs fn in a read-write transaction and commits it.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// WriteEntries writes entries through a write batch, which splits large
// writes across transactions. Entries are not written atomically.
func (d *DB) WriteEntries(ctx context.Context, entries []*dgbadger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("badger: batch set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger: batch flush: %w", err)
	}
	return nil
}

// RunValueLogGC reclaims value log space. It returns nil when there was
// nothing to collect.
func (d *DB) RunValueLogGC(discardRatio float64) error {
	err := d.db.RunValueLogGC(discardRatio)
	if errors.Is(err, dgbadger.ErrNoRewrite) || errors.Is(err, dgbadger.ErrRejected) {
		return nil
	}
	if err != nil {
		slog.Debug("badger: value log GC failed", slog.String("error", err.Error()))
	}
	return err
}

// Close closes the DB.
func (d *DB) Close() error {
	return d.db.Close()
}
