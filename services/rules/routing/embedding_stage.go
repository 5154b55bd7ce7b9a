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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// intentExample is one canonical example phrase of an intent.
type intentExample struct {
	intent Intent
	text   string
}

// EmbeddingStage classifies a query by its nearest canonical example.
//
// # Description
//
// Initialize embeds every example of the corpus once through the shared
// EmbeddingIndex. Classify embeds the query, keeps the maximum cosine
// similarity per intent, and returns the globally best intent when that
// similarity exceeds the activation floor.
//
// Provider failures are stage-local: Classify logs them and returns nil so
// the cascade moves on.
//
// # Thread Safety
//
// Safe for concurrent use. Initialize may be called concurrently; only one
// caller performs the warm-up.
type EmbeddingStage struct {
	index      *EmbeddingIndex
	examples   []intentExample
	order      []Intent
	activation float64
	logger     *slog.Logger

	initMu      sync.Mutex
	initialized atomic.Bool
}

// NewEmbeddingStage creates an uninitialized stage over the catalog's
// example corpus.
//
// # Inputs
//
//   - cat: Intent catalog supplying the example corpus. Must not be nil.
//   - index: Shared embedding index. Must not be nil.
//   - activation: Similarity floor; results at or below it are discarded.
//   - logger: Logger. Nil uses slog.Default().
func NewEmbeddingStage(cat *Catalog, index *EmbeddingIndex, activation float64, logger *slog.Logger) *EmbeddingStage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EmbeddingStage{
		index:      index,
		order:      cat.Intents(),
		activation: activation,
		logger:     logger,
	}
	for _, intent := range s.order {
		rule, _ := cat.Rule(intent)
		for _, ex := range rule.Examples {
			if ex = strings.TrimSpace(ex); ex != "" {
				s.examples = append(s.examples, intentExample{intent: intent, text: ex})
			}
		}
	}
	return s
}

// Initialize embeds the example corpus. It is idempotent: once it has
// succeeded, further calls return nil immediately. A failed attempt may be
// retried.
func (s *EmbeddingStage) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized.Load() {
		return nil
	}

	ctx, span := routingTracer.Start(ctx, "routing.EmbeddingStage.Initialize",
		trace.WithAttributes(attribute.Int("examples", len(s.examples))),
	)
	defer span.End()

	if len(s.examples) == 0 {
		return fmt.Errorf("embedding stage: example corpus is empty")
	}

	texts := make([]string, len(s.examples))
	for i, ex := range s.examples {
		texts[i] = ex.text
	}
	n, err := s.index.Warm(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "warm-up failed")
		return fmt.Errorf("embedding stage: %w", err)
	}

	s.initialized.Store(true)
	span.SetAttributes(attribute.Int("embedded", n))
	s.logger.Info("embedding stage initialized",
		slog.Int("examples", len(s.examples)),
		slog.Int("embedded", n),
	)
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *EmbeddingStage) Initialized() bool { return s.initialized.Load() }

// Similarities returns the best similarity per intent and the nearest
// example. It returns an error if the query cannot be embedded.
func (s *EmbeddingStage) Similarities(ctx context.Context, query string) (map[Intent]float64, string, error) {
	qctx, cancel := context.WithTimeout(ctx, embeddingQueryTimeout)
	defer cancel()

	qv, err := s.index.Vector(qctx, query)
	if err != nil {
		return nil, "", err
	}

	best := make(map[Intent]float64, len(s.order))
	var nearest string
	nearestSim := -2.0
	for _, ex := range s.examples {
		ev, ok := s.index.Cache().Get(ex.text)
		if !ok {
			continue
		}
		sim := CosineSimilarity(qv, ev)
		if cur, seen := best[ex.intent]; !seen || sim > cur {
			best[ex.intent] = sim
		}
		if sim > nearestSim {
			nearestSim = sim
			nearest = ex.text
		}
	}
	return best, nearest, nil
}

// Classify returns the nearest intent, or nil when the stage is not
// initialized, the query cannot be embedded, or the best similarity does
// not exceed the activation floor.
func (s *EmbeddingStage) Classify(ctx context.Context, query string) *EmbeddingResult {
	res, _ := s.evaluate(ctx, query)
	return res
}

// evaluate is Classify that also hands back the similarity vector, even
// when no intent clears the activation floor.
func (s *EmbeddingStage) evaluate(ctx context.Context, query string) (*EmbeddingResult, map[Intent]float64) {
	if !s.initialized.Load() || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	sims, nearest, err := s.Similarities(ctx, query)
	if err != nil {
		s.logger.Warn("embedding stage: query embedding failed",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	var bestIntent Intent
	bestSim := -2.0
	for _, intent := range s.order {
		if sim, ok := sims[intent]; ok && sim > bestSim {
			bestSim = sim
			bestIntent = intent
		}
	}
	if bestIntent == "" || bestSim <= s.activation {
		return nil, sims
	}

	return &EmbeddingResult{
		Intent:         bestIntent,
		Confidence:     bestSim,
		Similarities:   sims,
		NearestExample: nearest,
	}, sims
}
