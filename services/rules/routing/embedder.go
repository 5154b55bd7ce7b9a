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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Embedder
// =============================================================================

// embeddingWarmConcurrency is the number of parallel embedding calls during warm-up.
const embeddingWarmConcurrency = 8

// embeddingQueryTimeout is the per-query embedding call timeout.
const embeddingQueryTimeout = 3 * time.Second

// Embedder produces an embedding vector for a string.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model. It is part of the persisted cache key.
	Model() string
}

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls an Ollama /api/embed endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// NewOllamaEmbedder creates an embedder from EMBEDDING_SERVICE_URL and
// EMBEDDING_MODEL, with local defaults.
func NewOllamaEmbedder() *OllamaEmbedder {
	url := os.Getenv("EMBEDDING_SERVICE_URL")
	if url == "" {
		url = "http://localhost:11434/api/embed"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text"
	}
	return NewOllamaEmbedderWithConfig(url, model)
}

// NewOllamaEmbedderWithConfig creates an embedder with an explicit endpoint and model.
func NewOllamaEmbedderWithConfig(url, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: 30 * time.Second, // warm-up can be slow; query timeout set per-call
		},
	}
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string { return e.model }

// Embed calls the Ollama /api/embed endpoint and returns the raw vector.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, TruncateForLog(string(body), 200))
	}

	var out ollamaEmbedResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	return out.Embeddings[0], nil
}

// =============================================================================
// EmbeddingCache
// =============================================================================

// EmbeddingCache maps exact text to its unit-normalized embedding vector.
//
// The cache grows for the lifetime of the process unless Clear is called.
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingCache struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewEmbeddingCache creates an empty cache.
func NewEmbeddingCache() *EmbeddingCache {
	return &EmbeddingCache{vectors: make(map[string][]float32)}
}

// Get returns the cached vector for text.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[text]
	return v, ok
}

// Put stores a unit-normalized vector.
func (c *EmbeddingCache) Put(text string, vec []float32) {
	c.mu.Lock()
	c.vectors[text] = vec
	n := len(c.vectors)
	c.mu.Unlock()
	embeddingCacheSize.Set(float64(n))
}

// Len returns the number of cached texts.
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

// Clear drops every cached vector.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	c.vectors = make(map[string][]float32)
	c.mu.Unlock()
	embeddingCacheSize.Set(0)
}

// remove drops the vectors for texts.
func (c *EmbeddingCache) remove(texts []string) {
	if len(texts) == 0 {
		return
	}
	c.mu.Lock()
	for _, t := range texts {
		delete(c.vectors, t)
	}
	n := len(c.vectors)
	c.mu.Unlock()
	embeddingCacheSize.Set(float64(n))
}

// snapshot copies the entries for the given texts.
func (c *EmbeddingCache) snapshot(texts []string) map[string][]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]float32, len(texts))
	for _, t := range texts {
		if v, ok := c.vectors[t]; ok {
			out[t] = v
		}
	}
	return out
}

// =============================================================================
// EmbeddingIndex
// =============================================================================

// EmbeddingIndex owns the embedding provider, the process-wide cache and the
// optional persistent store. It is constructed once by the host and shared
// with the embedding stage.
//
// # Description
//
// Warm embeds a corpus of texts once, consulting the persistent store first.
// Stored vectors are keyed per example and per model, so a changed corpus
// only embeds its new examples and a changed model misses entirely. Vector
// returns a cached vector or computes and caches it.
//
// # Thread Safety
//
// Safe for concurrent use.
type EmbeddingIndex struct {
	embedder Embedder
	cache    *EmbeddingCache
	store    EmbeddingStore
	logger   *slog.Logger
}

// NewEmbeddingIndex creates an index.
//
// # Inputs
//
//   - embedder: Embedding provider. Must not be nil.
//   - store: Optional persistent store. Nil runs in-memory only.
//   - logger: Logger. Nil uses slog.Default().
func NewEmbeddingIndex(embedder Embedder, store EmbeddingStore, logger *slog.Logger) *EmbeddingIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingIndex{
		embedder: embedder,
		cache:    NewEmbeddingCache(),
		store:    store,
		logger:   logger,
	}
}

// Cache returns the index's cache.
func (x *EmbeddingIndex) Cache() *EmbeddingCache { return x.cache }

// Model returns the embedding model name.
func (x *EmbeddingIndex) Model() string { return x.embedder.Model() }

// Vector returns the unit-normalized embedding of text, using the cache.
func (x *EmbeddingIndex) Vector(ctx context.Context, text string) ([]float32, error) {
	if v, ok := x.cache.Get(text); ok {
		return v, nil
	}
	raw, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	unit := normalize(raw)
	if unit == nil {
		return nil, fmt.Errorf("embedding of %q has zero norm", TruncateForLog(text, 40))
	}
	x.cache.Put(text, unit)
	return unit, nil
}

// Warm embeds every text in the corpus.
//
// # Description
//
// Loads stored vectors for the corpus under the current model, then embeds
// the remaining texts in parallel (bounded by embeddingWarmConcurrency).
// Vectors whose dimension differs from the corpus dimension are dropped and
// embedded again. Newly embedded vectors are persisted, including those of
// a partial warm-up. Individual embedding failures are logged and skipped.
//
// # Outputs
//
//   - int: Number of corpus texts with a vector after warm-up.
//   - error: Non-nil when no text could be embedded or ctx was cancelled.
func (x *EmbeddingIndex) Warm(ctx context.Context, texts []string) (int, error) {
	corpus := dedupe(texts)
	if len(corpus) == 0 {
		return 0, nil
	}
	model := x.embedder.Model()

	if x.store != nil {
		cached, err := x.store.LoadVectors(ctx, model, corpus)
		if err != nil {
			x.logger.Warn("embedding index: store load failed, embedding corpus",
				slog.String("error", err.Error()),
			)
		}
		for text, vec := range cached {
			x.cache.Put(text, vec)
		}
	}

	fresh, err := x.embedMissing(ctx, corpus)
	if err != nil {
		embeddingWarmTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("embedding index warm-up: %w", err)
	}
	// A re-embedded vector fixes the provider's dimension, so a second pass
	// catches stored vectors that agreed with each other but not with it.
	for pass := 0; pass < 2; pass++ {
		stale := x.dropMismatchedDims(corpus, fresh)
		if len(stale) == 0 {
			break
		}
		x.logger.Warn("embedding index: re-embedding vectors with a stale dimension",
			slog.Int("count", len(stale)),
		)
		more, err := x.embedMissing(ctx, stale)
		if err != nil {
			embeddingWarmTotal.WithLabelValues("failed").Inc()
			return 0, fmt.Errorf("embedding index warm-up: %w", err)
		}
		fresh = append(fresh, more...)
	}

	vectors := x.cache.snapshot(corpus)
	if len(vectors) == 0 {
		embeddingWarmTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("embedding index warm-up: no example could be embedded")
	}
	source := "provider"
	if len(fresh) == 0 {
		source = "store"
	}
	embeddingWarmTotal.WithLabelValues(source).Inc()

	x.logger.Info("embedding index: warm-up complete",
		slog.Int("vectors", len(vectors)),
		slog.Int("embedded", len(fresh)),
		slog.Int("requested", len(corpus)),
	)

	if x.store != nil && len(fresh) > 0 {
		if err := x.store.SaveVectors(ctx, model, x.cache.snapshot(fresh)); err != nil {
			x.logger.Warn("embedding index: failed to persist vectors",
				slog.String("error", err.Error()),
				slog.String("model", model),
			)
		}
	}
	return len(vectors), nil
}

// embedMissing embeds the texts not yet cached and returns those it
// embedded successfully.
func (x *EmbeddingIndex) embedMissing(ctx context.Context, texts []string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embeddingWarmConcurrency)

	var (
		mu   sync.Mutex
		done []string
	)
	for _, t := range texts {
		if _, ok := x.cache.Get(t); ok {
			continue
		}
		g.Go(func() error {
			if _, err := x.Vector(gctx, t); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				x.logger.Warn("embedding index: failed to embed example",
					slog.String("text", TruncateForLog(t, 60)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			done = append(done, t)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return done, nil
}

// dropMismatchedDims evicts corpus vectors whose length differs from the
// corpus dimension and returns their texts. The dimension is taken from a
// freshly embedded vector when there is one, else it is the most common
// stored dimension.
func (x *EmbeddingIndex) dropMismatchedDims(corpus, fresh []string) []string {
	vectors := x.cache.snapshot(corpus)
	dim := 0
	if len(fresh) > 0 {
		dim = len(vectors[fresh[0]])
	} else {
		counts := make(map[int]int)
		for _, text := range corpus {
			if v, ok := vectors[text]; ok {
				counts[len(v)]++
			}
		}
		for d, n := range counts {
			if n > counts[dim] || (n == counts[dim] && d > dim) {
				dim = d
			}
		}
	}

	var stale []string
	for _, text := range corpus {
		if v, ok := vectors[text]; ok && len(v) != dim {
			stale = append(stale, text)
		}
	}
	x.cache.remove(stale)
	return stale
}

// =============================================================================
// Vector Math
// =============================================================================

// CosineSimilarity returns the cosine of the angle between a and b, clamped
// to [-1, 1]. For unit vectors it equals the dot product. Mismatched lengths
// use the shorter prefix; a zero vector yields 0.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// l2Norm computes the L2 (Euclidean) norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// normalize returns a unit-length copy of v, or nil for a zero vector.
func normalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
