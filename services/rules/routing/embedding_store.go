// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianRules/services/rules/storage/badger"
)

// =============================================================================
// Example Vector Store
// =============================================================================
//
// Each example vector is its own record:
//
//	rules/emb/v2/{modelTag}/{textHash}  ->  gob VectorRecord
//
// modelTag is the first 12 hex characters of SHA256(model) and textHash is
// the hex SHA256 of the example text. A record carries its model, text and
// dimension, and a record that disagrees with the lookup is a miss. Adding
// or removing one intent example only touches that example's record.

// vectorStoreDefaultTTL is the default lifetime of a stored vector.
const vectorStoreDefaultTTL = 7 * 24 * time.Hour

// EmbeddingKeyPrefix prefixes every stored vector key.
const EmbeddingKeyPrefix = "rules/emb/v2/"

// VectorRecord is one persisted example vector.
type VectorRecord struct {
	Model    string
	Text     string
	Dim      int
	Vector   []float32
	StoredAt time.Time
}

// valid reports whether r is a usable vector for text under model.
func (r VectorRecord) valid(model, text string) bool {
	return r.Model == model && r.Text == text && r.Dim > 0 && r.Dim == len(r.Vector)
}

// EncodeVectorRecord serializes a record.
func EncodeVectorRecord(r VectorRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode vector record: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVectorRecord parses a record written by EncodeVectorRecord.
func DecodeVectorRecord(data []byte) (VectorRecord, error) {
	var r VectorRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return VectorRecord{}, fmt.Errorf("decode vector record: %w", err)
	}
	return r, nil
}

// ModelKeyPrefix returns the key prefix under which model's vectors live.
func ModelKeyPrefix(model string) string {
	sum := sha256.Sum256([]byte(model))
	return EmbeddingKeyPrefix + hex.EncodeToString(sum[:6]) + "/"
}

// VectorKey returns the key of text's vector under model.
func VectorKey(model, text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte(ModelKeyPrefix(model) + hex.EncodeToString(sum[:]))
}

// EmbeddingStore persists example vectors across restarts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type EmbeddingStore interface {
	// LoadVectors returns the stored vectors for texts under model. Texts
	// without a usable record are absent from the map. The error reports a
	// storage failure, never a miss.
	LoadVectors(ctx context.Context, model string, texts []string) (map[string][]float32, error)

	// SaveVectors persists each vector under model.
	SaveVectors(ctx context.Context, model string, vectors map[string][]float32) error
}

// BadgerEmbeddingStore implements EmbeddingStore on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerEmbeddingStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewBadgerEmbeddingStore creates a store on an opened DB. The caller owns
// the DB lifecycle. A zero ttl uses the 7-day default.
func NewBadgerEmbeddingStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerEmbeddingStore {
	if db == nil {
		panic("NewBadgerEmbeddingStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = vectorStoreDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerEmbeddingStore{db: db, ttl: ttl, logger: logger, now: time.Now}
}

// LoadVectors reads the records for texts in one read transaction.
//
// # Description
//
// Expired keys, undecodable records and records whose model, text or
// dimension disagree with the lookup are skipped and counted as rejected.
func (s *BadgerEmbeddingStore) LoadVectors(ctx context.Context, model string, texts []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(texts))
	rejected := 0

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, text := range texts {
			if _, ok := out[text]; ok {
				continue
			}
			item, err := txn.Get(VectorKey(model, text))
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get vector: %w", err)
			}
			var rec VectorRecord
			err = item.Value(func(raw []byte) error {
				var derr error
				rec, derr = DecodeVectorRecord(raw)
				return derr
			})
			if err != nil || !rec.valid(model, text) {
				rejected++
				continue
			}
			out[text] = rec.Vector
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding store load: %w", err)
	}

	s.logger.Debug("embedding store: loaded",
		slog.String("model", model),
		slog.Int("requested", len(texts)),
		slog.Int("found", len(out)),
		slog.Int("rejected", rejected),
	)
	return out, nil
}

// SaveVectors writes one record per vector through a write batch. Empty
// vectors are skipped.
func (s *BadgerEmbeddingStore) SaveVectors(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	now := s.now()
	entries := make([]*dgbadger.Entry, 0, len(vectors))
	for text, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		raw, err := EncodeVectorRecord(VectorRecord{
			Model:    model,
			Text:     text,
			Dim:      len(vec),
			Vector:   vec,
			StoredAt: now,
		})
		if err != nil {
			return fmt.Errorf("embedding store save: %w", err)
		}
		entries = append(entries, dgbadger.NewEntry(VectorKey(model, text), raw).WithTTL(s.ttl))
	}
	if err := s.db.WriteEntries(ctx, entries); err != nil {
		return fmt.Errorf("embedding store save: %w", err)
	}

	s.logger.Debug("embedding store: saved",
		slog.String("model", model),
		slog.Int("vectors", len(entries)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}
