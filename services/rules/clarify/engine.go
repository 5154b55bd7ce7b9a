// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clarify decides when a classification needs a clarification,
// builds the clarification request, and records how the user resolved it.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sahilm/fuzzy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/learning"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

var clarifyTracer = otel.Tracer("aleutian.rules.clarify")

var (
	clarificationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "clarification",
		Name:      "total",
		Help:      "Clarification requests generated by ambiguity type",
	}, []string{"ambiguity"})

	clarificationFeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "clarification",
		Name:      "feedback_total",
		Help:      "Clarification resolutions by outcome: helpful, unhelpful, unmatched, duplicate, failed",
	}, []string{"outcome"})
)

// ErrUnknownInteraction is returned by ProcessClarificationFeedback for an
// interaction id that was never recorded.
var ErrUnknownInteraction = errors.New("clarify: unknown interaction")

// ErrAlreadyResolved is returned by ProcessClarificationFeedback when the
// interaction was resolved by an earlier call. Nothing is recorded or
// learned again.
var ErrAlreadyResolved = errors.New("clarify: interaction already resolved")

// InteractionStore persists clarification interactions. *store.Store
// implements it.
type InteractionStore interface {
	InsertInteraction(ctx context.Context, ci store.ClarificationInteraction) (string, error)
	GetInteraction(ctx context.Context, id string) (store.ClarificationInteraction, error)
	ResolveInteraction(ctx context.Context, id, selected, resolvedIntent string, helpful bool) (store.ClarificationInteraction, error)
}

// Learner learns from a resolved clarification. *learning.Engine
// implements it.
type Learner interface {
	LearnFromResolution(ctx context.Context, query string, resolvedIntent routing.Intent) (learning.Summary, error)
}

// Engine generates and records clarifications.
//
// # Thread Safety
//
// Safe for concurrent use. The engine holds no mutable state.
type Engine struct {
	cat          *routing.Catalog
	keyword      *routing.KeywordStage
	store        InteractionStore
	learner      Learner
	cfg          config.ClarificationConfig
	clarifyBelow float64
	logger       *slog.Logger
}

// Options configures an Engine.
type Options struct {
	// Catalog is required.
	Catalog *routing.Catalog

	// Keyword ranks entity lookups for bare names. Optional.
	Keyword *routing.KeywordStage

	// Store persists interactions. Nil disables recording.
	Store InteractionStore

	// Learner receives resolutions. Nil disables learning.
	Learner Learner

	Logger *slog.Logger
}

// NewEngine creates a clarification engine. Thresholds and option limits
// come from the catalog's routing config.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, errors.New("clarify: catalog required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc := opts.Catalog.Config()
	cfg := rc.Clarification
	if cfg.MaxOptions <= 0 {
		cfg.MaxOptions = config.DefaultMaxOptions
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = config.DefaultMaxSuggestions
	}
	below := rc.Thresholds.ClarifyBelow
	if below <= 0 {
		below = config.DefaultClarifyBelow
	}
	return &Engine{
		cat:          opts.Catalog,
		keyword:      opts.Keyword,
		store:        opts.Store,
		learner:      opts.Learner,
		cfg:          cfg,
		clarifyBelow: below,
		logger:       logger,
	}, nil
}

// =============================================================================
// Recording
// =============================================================================

// RecordClarification persists a shown clarification.
//
// # Description
//
// Stores the query, the attempted classification and the presented
// options. A storage failure is logged and reported as an empty id so the
// conversation is never blocked by the store.
//
// # Outputs
//
//   - string: The interaction id, or "" if it could not be recorded.
func (e *Engine) RecordClarification(ctx context.Context, query string, original routing.Classification, options []Option, selected string) string {
	return e.record(ctx, query, original, "", options, selected)
}

// RecordRequest persists a generated request with its ambiguity type.
// Returns "" on failure.
func (e *Engine) RecordRequest(ctx context.Context, req Request, original routing.Classification) string {
	opts := req.Options
	switch {
	case req.BestGuess != nil:
		opts = []Option{*req.BestGuess}
	case len(opts) == 0:
		opts = req.Examples
	}
	return e.record(ctx, req.Query, original, req.Ambiguity, opts, "")
}

func (e *Engine) record(ctx context.Context, query string, original routing.Classification, amb AmbiguityType, options []Option, selected string) string {
	if e.store == nil {
		return ""
	}
	ctx, span := clarifyTracer.Start(ctx, "clarify.Engine.RecordClarification")
	defer span.End()

	labels := make([]string, 0, len(options))
	for _, o := range options {
		labels = append(labels, string(o.Intent))
	}
	id, err := e.store.InsertInteraction(ctx, store.ClarificationInteraction{
		Query:              query,
		OriginalIntent:     string(original.Intent),
		OriginalConfidence: original.Confidence,
		OriginalMethod:     string(original.Method),
		AmbiguityType:      string(amb),
		Options:            labels,
		SelectedOption:     selected,
	})
	if err != nil {
		span.RecordError(err)
		e.logger.Error("clarify: failed to record clarification",
			slog.String("error", fmt.Errorf("%w: %w", routing.ErrPersistence, err).Error()),
			slog.String("query_preview", preview(query)),
		)
		return ""
	}
	span.SetAttributes(attribute.String("interaction_id", id))
	return id
}

// =============================================================================
// Feedback
// =============================================================================

// Feedback is the outcome of processing a clarification resolution.
type Feedback struct {
	InteractionID  string           `json:"interaction_id"`
	ResolvedIntent routing.Intent   `json:"resolved_intent,omitempty"`
	Helpful        bool             `json:"helpful"`
	Recorded       bool             `json:"recorded"`
	Learned        learning.Summary `json:"learned"`
}

// ProcessClarificationFeedback resolves a recorded interaction and feeds
// the resolution to the learner.
//
// # Description
//
// The resolved intent is resolvedIntent when given. Otherwise it is derived
// from userSelection: a 1-based option number, an intent name, or free text
// matched against the presented options' labels and intent names. The
// interaction is helpful when the resolved intent was among the presented
// options.
//
// Storage and learning failures are logged and reported through
// Feedback.Recorded; they never surface as errors.
//
// # Outputs
//
//   - Feedback: What was recorded.
//   - error: ErrUnknownInteraction for an id that does not exist,
//     ErrAlreadyResolved for a repeat resolution (the Feedback then carries
//     the stored resolution), or routing.ErrStageInput for an empty id.
func (e *Engine) ProcessClarificationFeedback(ctx context.Context, interactionID, userSelection string, resolvedIntent routing.Intent) (Feedback, error) {
	fb := Feedback{InteractionID: interactionID}
	if strings.TrimSpace(interactionID) == "" {
		return fb, fmt.Errorf("feedback: %w", routing.ErrStageInput)
	}
	if e.store == nil {
		return fb, nil
	}

	ctx, span := clarifyTracer.Start(ctx, "clarify.Engine.ProcessClarificationFeedback")
	defer span.End()

	ci, err := e.store.GetInteraction(ctx, interactionID)
	if errors.Is(err, store.ErrNotFound) {
		return fb, ErrUnknownInteraction
	}
	if err != nil {
		span.RecordError(err)
		clarificationFeedbackTotal.WithLabelValues("failed").Inc()
		e.logger.Error("clarify: failed to load interaction",
			slog.String("id", interactionID),
			slog.String("error", err.Error()),
		)
		return fb, nil
	}

	if ci.Resolved() {
		return e.duplicate(span, fb, ci)
	}

	presented := make([]routing.Intent, 0, len(ci.Options))
	for _, o := range ci.Options {
		presented = append(presented, routing.Intent(o))
	}

	intent := resolvedIntent
	if intent == "" {
		intent = e.MatchSelection(userSelection, presented)
	}
	fb.ResolvedIntent = intent
	fb.Helpful = intent != "" && containsIntent(presented, intent)

	selected := userSelection
	if selected == "" {
		selected = string(intent)
	}
	stored, err := e.store.ResolveInteraction(ctx, interactionID, selected, string(intent), fb.Helpful)
	if errors.Is(err, store.ErrAlreadyResolved) {
		return e.duplicate(span, fb, stored)
	}
	if err != nil {
		span.RecordError(err)
		clarificationFeedbackTotal.WithLabelValues("failed").Inc()
		e.logger.Error("clarify: failed to resolve interaction",
			slog.String("id", interactionID),
			slog.String("error", fmt.Errorf("%w: %w", routing.ErrPersistence, err).Error()),
		)
		return fb, nil
	}
	fb.Recorded = true

	switch {
	case intent == "":
		clarificationFeedbackTotal.WithLabelValues("unmatched").Inc()
	case fb.Helpful:
		clarificationFeedbackTotal.WithLabelValues("helpful").Inc()
	default:
		clarificationFeedbackTotal.WithLabelValues("unhelpful").Inc()
	}
	span.SetAttributes(
		attribute.String("resolved_intent", string(intent)),
		attribute.Bool("helpful", fb.Helpful),
	)

	if e.learner != nil && intent != "" && e.cat.Known(intent) {
		sum, err := e.learner.LearnFromResolution(ctx, ci.Query, intent)
		fb.Learned = sum
		if err != nil {
			e.logger.Warn("clarify: learning from resolution failed",
				slog.String("id", interactionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return fb, nil
}

// duplicate reports a repeat resolution with the stored outcome.
func (e *Engine) duplicate(span trace.Span, fb Feedback, ci store.ClarificationInteraction) (Feedback, error) {
	fb.ResolvedIntent = routing.Intent(ci.ResolvedIntent)
	fb.Helpful = ci.WasHelpful != nil && *ci.WasHelpful
	fb.Recorded = false
	clarificationFeedbackTotal.WithLabelValues("duplicate").Inc()
	span.SetAttributes(attribute.Bool("duplicate", true))
	e.logger.Debug("clarify: interaction already resolved", slog.String("id", fb.InteractionID))
	return fb, ErrAlreadyResolved
}

// MatchSelection maps a user's answer to one of the presented intents.
//
// # Description
//
// Accepts a 1-based option number, an exact intent name, or free text.
// Free text is fuzzy-matched against each option's label and its intent
// name written as words ("totem lookup"); when the whole answer matches
// nothing, its significant words are tried one by one and the option with
// the best total score wins. Returns "" when nothing matches.
func (e *Engine) MatchSelection(selection string, presented []routing.Intent) routing.Intent {
	sel := strings.TrimSpace(selection)
	if sel == "" || len(presented) == 0 {
		return ""
	}
	if n, err := strconv.Atoi(sel); err == nil {
		if n >= 1 && n <= len(presented) {
			return presented[n-1]
		}
		return ""
	}
	for _, p := range presented {
		if strings.EqualFold(sel, string(p)) {
			return p
		}
	}

	var (
		candidates []string
		owner      []routing.Intent
	)
	for _, p := range presented {
		if rule, ok := e.cat.Rule(p); ok && rule.Label != "" {
			candidates = append(candidates, strings.ToLower(rule.Label))
			owner = append(owner, p)
		}
		candidates = append(candidates, strings.ToLower(strings.ReplaceAll(string(p), "_", " ")))
		owner = append(owner, p)
	}

	if matches := fuzzy.Find(strings.ToLower(sel), candidates); len(matches) > 0 {
		return owner[matches[0].Index]
	}

	totals := make(map[routing.Intent]int)
	hit := false
	for _, word := range routing.SignificantTokens(sel) {
		for _, m := range fuzzy.Find(word, candidates) {
			totals[owner[m.Index]] += m.Score + 1
			hit = true
		}
	}
	if !hit {
		return ""
	}
	var best routing.Intent
	bestScore := 0
	for _, p := range presented {
		if s, ok := totals[p]; ok && (best == "" || s > bestScore) {
			best, bestScore = p, s
		}
	}
	return best
}

func containsIntent(list []routing.Intent, in routing.Intent) bool {
	for _, v := range list {
		if v == in {
			return true
		}
	}
	return false
}

func preview(s string) string { return routing.TruncateForLog(s, 80) }
