// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDB_InMemoryRoundTrip(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("rules/k"), []byte("v"))
	})
	require.NoError(t, err)

	var got []byte
	err = db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("rules/k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpenDB_OnDiskPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()

	db, err := OpenDB(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("k"), []byte("persisted"))
	}))
	require.NoError(t, db.Close())

	db, err = OpenDB(Config{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	err = db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.NoError(t, err)
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)
}

func TestTxn_CancelledContext(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.WithTxn(ctx, func(*dgbadger.Txn) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = db.WithReadTxn(ctx, func(*dgbadger.Txn) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWriteEntries(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	entries := make([]*dgbadger.Entry, 0, 500)
	for i := range 500 {
		entries = append(entries, dgbadger.NewEntry([]byte(fmt.Sprintf("rules/batch/%03d", i)), []byte("v")))
	}
	require.NoError(t, db.WriteEntries(ctx, entries))

	n := 0
	err = db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("rules/batch/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, db.WriteEntries(cctx, entries), context.Canceled)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.Path)
	assert.False(t, cfg.InMemory)
}
