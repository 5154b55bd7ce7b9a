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
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
)

// =============================================================================
// Shared Fixtures
// =============================================================================

// testCatalog loads the embedded routing rules.
func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cfg, err := config.LoadRoutingConfig(context.Background(), config.DefaultRoutingRules())
	require.NoError(t, err)
	return NewCatalog(cfg)
}

// catalogFromYAML loads a catalog from an inline rules document.
func catalogFromYAML(t *testing.T, doc string) *Catalog {
	t.Helper()
	cfg, err := config.LoadRoutingConfig(context.Background(), []byte(doc))
	require.NoError(t, err)
	return NewCatalog(cfg)
}

// bagEmbedder maps text to a bag-of-words vector over 64 hashed buckets, so
// texts sharing words have high cosine similarity and identical texts have
// similarity 1.
type bagEmbedder struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     bool
	failText map[string]bool
	model    string
}

func newBagEmbedder() *bagEmbedder {
	return &bagEmbedder{calls: make(map[string]int)}
}

func (e *bagEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls[text]++
	fail := e.fail || e.failText[text]
	e.mu.Unlock()
	if fail {
		return nil, errors.New("embedder down")
	}

	vec := make([]float32, 64)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%64]++
	}
	return vec, nil
}

func (e *bagEmbedder) Model() string {
	if e.model != "" {
		return e.model
	}
	return "bag-of-words"
}

func (e *bagEmbedder) callsFor(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[text]
}

func (e *bagEmbedder) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

// memoryEmbeddingStore is an in-process EmbeddingStore keyed by model, then
// text.
type memoryEmbeddingStore struct {
	mu    sync.Mutex
	data  map[string]map[string][]float32
	saves int
}

func newMemoryEmbeddingStore() *memoryEmbeddingStore {
	return &memoryEmbeddingStore{data: make(map[string]map[string][]float32)}
}

func (s *memoryEmbeddingStore) LoadVectors(_ context.Context, model string, texts []string) (map[string][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]float32)
	for _, t := range texts {
		if v, ok := s.data[model][t]; ok {
			out[t] = v
		}
	}
	return out, nil
}

func (s *memoryEmbeddingStore) SaveVectors(_ context.Context, model string, v map[string][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[model] == nil {
		s.data[model] = make(map[string][]float32)
	}
	for t, vec := range v {
		s.data[model][t] = vec
	}
	s.saves++
	return nil
}

func (s *memoryEmbeddingStore) count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[model])
}

// staticProvider returns a fixed response and counts calls.
type staticProvider struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (p *staticProvider) call(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	return p.response, p.err
}

func (p *staticProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}
