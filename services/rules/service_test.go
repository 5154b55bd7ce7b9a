// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

// bagEmbedder hashes lowercase words into a fixed-size bag-of-words vector
// and counts calls.
type bagEmbedder struct {
	calls atomic.Int64
	fail  bool
	model string
}

func (e *bagEmbedder) Model() string {
	if e.model != "" {
		return e.model
	}
	return "bag-of-words"
}

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	v := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, "?.,!")))
		v[h.Sum32()%64]++
	}
	v[63] += 0.01
	return v, nil
}

func openCacheService(t *testing.T, dbPath, cacheDir string, emb routing.Embedder) *Service {
	t.Helper()
	rc, err := config.LoadRoutingConfig(context.Background(), config.DefaultRoutingRules())
	require.NoError(t, err)
	svc, err := NewService(context.Background(), ServiceConfig{
		Routing:  rc,
		DBPath:   dbPath,
		CacheDir: cacheDir,
		Embedder: emb,
	})
	require.NoError(t, err)
	return svc
}

func TestService_EmbeddingCachePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")

	first := &bagEmbedder{}
	svc := openCacheService(t, filepath.Join(dir, "rules.db"), cacheDir, first)
	assert.False(t, svc.Ready())
	require.NoError(t, svc.Initialize(ctx))
	assert.True(t, svc.Ready())
	assert.Positive(t, first.calls.Load())

	stats, err := svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Positive(t, stats.CachedVectors)
	assert.True(t, stats.EmbeddingReady)

	_, err = svc.Sweep(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// A restart with the same corpus and model loads vectors from disk.
	second := &bagEmbedder{}
	svc = openCacheService(t, filepath.Join(dir, "rules.db"), cacheDir, second)
	require.NoError(t, svc.Initialize(ctx))
	assert.True(t, svc.Ready())
	assert.Zero(t, second.calls.Load())
	require.NoError(t, svc.Close())

	// Switching models re-embeds every example.
	third := &bagEmbedder{model: "bag-of-words-v2"}
	svc = openCacheService(t, filepath.Join(dir, "rules.db"), cacheDir, third)
	defer svc.Close()
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, first.calls.Load(), third.calls.Load())
}

func TestService_EmbeddingUnavailable(t *testing.T) {
	ctx := context.Background()
	emb := &bagEmbedder{fail: true}
	svc := openCacheService(t, ":memory:", "", emb)
	defer svc.Close()

	assert.Error(t, svc.Initialize(ctx))
	assert.False(t, svc.Ready())

	// Classification still works without the embedding stage.
	res, err := svc.Classify(ctx, "What is the Fireball spell?", nil)
	require.NoError(t, err)
	assert.Equal(t, routing.IntentSpellLookup, res.Classification.Intent)

	w := do(t, NewRouter(NewHandlers(svc, nil)), http.MethodGet, "/v1/rules/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
}

func TestService_BadCacheDirDegrades(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	svc := openCacheService(t, ":memory:", filepath.Join(blocker, "cache"), &bagEmbedder{})
	defer svc.Close()
	assert.Nil(t, svc.cacheDB)
	require.NoError(t, svc.Initialize(context.Background()))
}

func TestService_DisabledStages(t *testing.T) {
	rc, err := config.LoadRoutingConfig(context.Background(), config.DefaultRoutingRules())
	require.NoError(t, err)
	svc, err := NewService(context.Background(), ServiceConfig{
		Routing:  rc,
		DBPath:   ":memory:",
		Disabled: []routing.Method{routing.MethodPattern},
	})
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.Classify(context.Background(), "What is the Fireball spell?", nil)
	require.NoError(t, err)
	assert.NotEqual(t, routing.MethodPattern, res.Classification.Method)
}

func TestService_ClassifyBlank(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.Classify(context.Background(), " \t", nil)
	assert.ErrorIs(t, err, routing.ErrStageInput)
	_, err = svc.Clarify(context.Background(), "")
	assert.ErrorIs(t, err, routing.ErrStageInput)
}
