// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learning mines patterns from resolved clarifications and keeps
// their occurrence and success counters.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

var learningTracer = otel.Tracer("aleutian.rules.learning")

var learningPatternsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rules",
	Subsystem: "learning",
	Name:      "patterns_total",
	Help:      "Learned pattern writes by outcome: created, updated, contradicted, deactivated, verified, failed",
}, []string{"outcome"})

// PatternStore is the persistence the engine needs. *store.Store
// implements it.
type PatternStore interface {
	UpsertPattern(ctx context.Context, up store.PatternUpsert) (store.LearnedPattern, bool, error)
	RecordPatternFailure(ctx context.Context, text, typ, resolvedIntent string) (int64, error)
	DeactivatePoorPatterns(ctx context.Context, minOccurrences int, minSuccessRate float64) (int64, error)
	VerifyPattern(ctx context.Context, id string) error
}

// Summary reports what one resolution taught the engine.
type Summary struct {
	Extracted    int `json:"extracted"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Contradicted int `json:"contradicted"`
	Failed       int `json:"failed"`
}

// Engine records learned patterns.
//
// # Thread Safety
//
// Safe for concurrent use. Atomicity of concurrent upserts of the same
// pattern is provided by the store.
type Engine struct {
	store  PatternStore
	cfg    config.LearningConfig
	logger *slog.Logger
}

// NewEngine creates a learning engine.
//
// # Inputs
//
//   - st: Pattern persistence. Must not be nil.
//   - cfg: Thresholds for the deactivation sweep and example cap.
//   - logger: Logger. Nil uses slog.Default().
func NewEngine(st PatternStore, cfg config.LearningConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = config.DefaultMinOccurrences
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = config.DefaultMinSuccessRate
	}
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = config.DefaultMaxExamples
	}
	return &Engine{store: st, cfg: cfg, logger: logger}
}

// LearnFromResolution records every pattern of query as a success for
// resolvedIntent and a failure for rows of the same pattern learned under
// other intents.
//
// # Description
//
// Each pattern is written independently. A failed write is counted and
// logged, and the remaining patterns are still attempted. The returned
// error wraps routing.ErrPersistence when any write failed; callers on the
// conversation path log it and carry on.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - query: The query the user resolved.
//   - resolvedIntent: The intent the user picked.
//
// # Outputs
//
//   - Summary: Counts per outcome.
//   - error: Non-nil if any write failed or the input is empty.
func (e *Engine) LearnFromResolution(ctx context.Context, query string, resolvedIntent routing.Intent) (Summary, error) {
	if strings.TrimSpace(query) == "" || resolvedIntent == "" {
		return Summary{}, fmt.Errorf("learn: %w", routing.ErrStageInput)
	}

	ctx, span := learningTracer.Start(ctx, "learning.Engine.LearnFromResolution",
		trace.WithAttributes(attribute.String("intent", string(resolvedIntent))),
	)
	defer span.End()

	patterns := ExtractPatterns(query)
	sum := Summary{Extracted: len(patterns)}
	var errs []error

	for _, p := range patterns {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, created, err := e.store.UpsertPattern(ctx, store.PatternUpsert{
			Text:        p.Text,
			Type:        p.Type,
			Intent:      string(resolvedIntent),
			Confidence:  p.Confidence,
			Example:     query,
			MaxExamples: e.cfg.MaxExamples,
		})
		if err != nil {
			sum.Failed++
			learningPatternsTotal.WithLabelValues("failed").Inc()
			errs = append(errs, err)
			continue
		}
		if created {
			sum.Created++
			learningPatternsTotal.WithLabelValues("created").Inc()
		} else {
			sum.Updated++
			learningPatternsTotal.WithLabelValues("updated").Inc()
		}

		n, err := e.store.RecordPatternFailure(ctx, p.Text, p.Type, string(resolvedIntent))
		if err != nil {
			sum.Failed++
			learningPatternsTotal.WithLabelValues("failed").Inc()
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			sum.Contradicted += int(n)
			learningPatternsTotal.WithLabelValues("contradicted").Add(float64(n))
		}
	}

	span.SetAttributes(
		attribute.Int("extracted", sum.Extracted),
		attribute.Int("created", sum.Created),
		attribute.Int("failed", sum.Failed),
	)

	if len(errs) > 0 {
		err := fmt.Errorf("learn from resolution: %w: %w", routing.ErrPersistence, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		e.logger.Warn("learning: some patterns were not recorded",
			slog.Int("failed", sum.Failed),
			slog.Int("extracted", sum.Extracted),
			slog.String("error", err.Error()),
		)
		return sum, err
	}

	e.logger.Debug("learning: resolution recorded",
		slog.String("intent", string(resolvedIntent)),
		slog.Int("created", sum.Created),
		slog.Int("updated", sum.Updated),
		slog.Int("contradicted", sum.Contradicted),
	)
	return sum, nil
}

// DeactivatePoorPatterns runs the maintenance sweep with the configured
// thresholds. Verified patterns are exempt. Safe to run repeatedly.
//
// # Outputs
//
//   - int64: Patterns deactivated by this sweep.
//   - error: Wraps routing.ErrPersistence on write failure.
func (e *Engine) DeactivatePoorPatterns(ctx context.Context) (int64, error) {
	ctx, span := learningTracer.Start(ctx, "learning.Engine.DeactivatePoorPatterns")
	defer span.End()

	n, err := e.store.DeactivatePoorPatterns(ctx, e.cfg.MinOccurrences, e.cfg.MinSuccessRate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		return 0, fmt.Errorf("deactivate: %w: %w", routing.ErrPersistence, err)
	}
	learningPatternsTotal.WithLabelValues("deactivated").Add(float64(n))
	span.SetAttributes(attribute.Int64("deactivated", n))
	e.logger.Info("learning: sweep complete",
		slog.Int64("deactivated", n),
		slog.Int("min_occurrences", e.cfg.MinOccurrences),
		slog.Float64("min_success_rate", e.cfg.MinSuccessRate),
	)
	return n, nil
}

// VerifyPattern marks a pattern as reviewed by a human. It returns
// store.ErrNotFound for an unknown id.
func (e *Engine) VerifyPattern(ctx context.Context, id string) error {
	if err := e.store.VerifyPattern(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("verify: %w: %w", routing.ErrPersistence, err)
	}
	learningPatternsTotal.WithLabelValues("verified").Inc()
	e.logger.Info("learning: pattern verified", slog.String("id", id))
	return nil
}
