// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// intent_cache_dump inspects the rules router's example embedding cache.
//
// The embedding stage persists one record per intent example and model in
// BadgerDB. This tool opens the cache read-only, groups the records by
// model and prints, per model, the dimensions in use and each example's
// dimension, L2 norm, TTL and a short vector sample. Records that fail to
// decode or disagree with their key are flagged.
//
// Usage:
//
//	intent_cache_dump [--path /path/to/rules/cache] [--examples 20]
//
// If --path is not given, reads ROUTING_CACHE_DIR from the environment,
// falling back to ~/.aleutian/cache/rules/.
//
// Exit codes:
//
//	0: success, including an empty or missing cache
//	1: error opening or reading the database
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	badgerstore "github.com/AleutianAI/AleutianRules/services/rules/storage/badger"
)

// vectorEntry is one stored record.
type vectorEntry struct {
	key       string
	record    routing.VectorRecord
	expiresAt time.Time
	hasExpiry bool
	rawSize   int
	decodeErr error
}

// keyMatches reports whether the record would be found under its own key.
func (e vectorEntry) keyMatches() bool {
	return e.key == string(routing.VectorKey(e.record.Model, e.record.Text))
}

// modelGroup is the set of records stored for one model.
type modelGroup struct {
	model   string
	entries []vectorEntry
	dims    map[int]int
	bytes   int
}

func main() {
	pathFlag := flag.String("path", "", "Path to the rules embedding BadgerDB directory (overrides ROUTING_CACHE_DIR)")
	limitFlag := flag.Int("examples", 20, "Maximum examples printed per model (0: all)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("ROUTING_CACHE_DIR")
	}
	if dbPath == "" {
		dbPath = badgerstore.DefaultConfig().Path
	}

	if err := dump(context.Background(), os.Stdout, dbPath, *limitFlag, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "intent_cache_dump: %v\n", err)
		os.Exit(1)
	}
}

// dump writes a report of the cache at dbPath to w. Example rows per model
// are capped at limit when limit is positive.
func dump(ctx context.Context, w io.Writer, dbPath string, limit int, now time.Time) error {
	fmt.Fprintf(w, "Embedding cache path: %s\n", dbPath)

	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "Cache directory does not exist. The service has not yet written any embedding vectors.")
		return nil
	}

	db, err := badgerstore.OpenDB(badgerstore.Config{Path: dbPath, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open BadgerDB at %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	entries, err := readEntries(ctx, db)
	if err != nil {
		return fmt.Errorf("read BadgerDB: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "\nNo embedding vectors found.")
		fmt.Fprintln(w, "The warm-up has not completed yet or the embedding service was unavailable.")
		return nil
	}

	groups, broken := groupByModel(entries)
	fmt.Fprintf(w, "\nFound %d vector%s across %d model%s:\n",
		len(entries), plural(len(entries), "", "s"), len(groups), plural(len(groups), "", "s"))
	fmt.Fprintln(w, strings.Repeat("─", 80))

	for _, g := range groups {
		writeGroup(w, g, limit, now)
	}
	if len(broken) > 0 {
		fmt.Fprintf(w, "\nUnreadable records: %d\n", len(broken))
		for _, e := range broken {
			fmt.Fprintf(w, "    %s  DECODE ERROR: %v\n", e.key, e.decodeErr)
		}
	}

	expired := 0
	for _, e := range entries {
		if e.hasExpiry && e.expiresAt.Before(now) {
			expired++
		}
	}
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("─", 80))
	fmt.Fprintf(w, "Summary: %d vector%s, %d model%s, %d expired, %d unreadable, cache path: %s\n",
		len(entries), plural(len(entries), "", "s"), len(groups), plural(len(groups), "", "s"),
		expired, len(broken), dbPath)
	return nil
}

func readEntries(ctx context.Context, db *badgerstore.DB) ([]vectorEntry, error) {
	var entries []vectorEntry
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(routing.EmbeddingKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			e := vectorEntry{key: string(item.KeyCopy(nil))}

			// ExpiresAt is Unix seconds, 0 when no TTL was set.
			if exp := item.ExpiresAt(); exp > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(exp), 0)
			}

			err := item.Value(func(raw []byte) error {
				e.rawSize = len(raw)
				var derr error
				e.record, derr = routing.DecodeVectorRecord(raw)
				return derr
			})
			e.decodeErr = err
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// groupByModel splits decoded entries by model, sorted by model name with
// entries sorted by text. Entries that failed to decode are returned apart.
func groupByModel(entries []vectorEntry) ([]modelGroup, []vectorEntry) {
	byModel := make(map[string]*modelGroup)
	var broken []vectorEntry
	for _, e := range entries {
		if e.decodeErr != nil {
			broken = append(broken, e)
			continue
		}
		g, ok := byModel[e.record.Model]
		if !ok {
			g = &modelGroup{model: e.record.Model, dims: make(map[int]int)}
			byModel[e.record.Model] = g
		}
		g.entries = append(g.entries, e)
		g.dims[len(e.record.Vector)]++
		g.bytes += e.rawSize
	}

	groups := make([]modelGroup, 0, len(byModel))
	for _, g := range byModel {
		sort.Slice(g.entries, func(i, j int) bool { return g.entries[i].record.Text < g.entries[j].record.Text })
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].model < groups[j].model })
	return groups, broken
}

func writeGroup(w io.Writer, g modelGroup, limit int, now time.Time) {
	fmt.Fprintf(w, "\nModel:       %s\n", g.model)
	fmt.Fprintf(w, "    Key prefix:  %s\n", routing.ModelKeyPrefix(g.model))
	fmt.Fprintf(w, "    Vectors:     %d (%s)\n", len(g.entries), formatBytes(g.bytes))
	fmt.Fprintf(w, "    Dimensions:  %s\n", formatDims(g.dims))

	shown := g.entries
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	colWidth := 0
	for _, e := range shown {
		colWidth = max(colWidth, len(e.record.Text))
	}
	colWidth = min(colWidth+2, 48)

	fmt.Fprintf(w, "\n    %-*s  %5s  %7s  %-18s  %s\n", colWidth, "Example", "Dims", "L2Norm", "TTL", "Sample (first 4 values)")
	fmt.Fprintf(w, "    %s  %s  %s  %s  %s\n",
		strings.Repeat("─", colWidth), strings.Repeat("─", 5), strings.Repeat("─", 7), strings.Repeat("─", 18), strings.Repeat("─", 40))
	for _, e := range shown {
		vec := e.record.Vector
		note := ""
		if e.record.Dim != len(vec) {
			note = fmt.Sprintf("  (record claims %d dims)", e.record.Dim)
		}
		if !e.keyMatches() {
			note += "  (key mismatch)"
		}
		fmt.Fprintf(w, "    %-*s  %5d  %7.4f  %-18s  %s%s\n", colWidth, routing.TruncateForLog(e.record.Text, colWidth),
			len(vec), l2Norm(vec), formatTTL(e, now), formatSample(vec, 4), note)
	}
	if hidden := len(g.entries) - len(shown); hidden > 0 {
		fmt.Fprintf(w, "    ... %d more\n", hidden)
	}
}

// formatTTL describes the time left before e expires.
func formatTTL(e vectorEntry, now time.Time) string {
	if !e.hasExpiry {
		return "no expiry"
	}
	remaining := e.expiresAt.Sub(now)
	if remaining < 0 {
		return "EXPIRED"
	}
	return remaining.Round(time.Minute).String()
}

// formatDims lists the dimensions in use with their counts, most common
// first.
func formatDims(dims map[int]int) string {
	keys := make([]int, 0, len(dims))
	for d := range dims {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool {
		if dims[keys[i]] != dims[keys[j]] {
			return dims[keys[i]] > dims[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, d := range keys {
		parts[i] = fmt.Sprintf("%d×%d", d, dims[d])
	}
	out := strings.Join(parts, ", ")
	if len(keys) > 1 {
		out += "  MIXED"
	}
	return out
}

// l2Norm computes the L2 norm of a vector. Normalized vectors show ≈1.0000.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// formatSample returns the first n values of a vector as a bracketed string.
func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	n = min(n, len(v))
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}
