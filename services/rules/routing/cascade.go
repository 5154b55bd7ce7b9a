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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// embeddingInitRetry is the minimum delay between failed lazy
// initialization attempts of the embedding stage.
const embeddingInitRetry = 30 * time.Second

// Stage outcomes recorded in traces and metrics.
const (
	outcomeAccepted       = "accepted"
	outcomeBelowThreshold = "below_threshold"
	outcomeNoResult       = "no_result"
	outcomeError          = "error"
	outcomeSkipped        = "skipped"
)

// StageTrace records what one stage did for one query.
type StageTrace struct {
	Stage      Method  `json:"stage"`
	Outcome    string  `json:"outcome"`
	Intent     Intent  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Outcome is a classification plus what the cascade observed on the way.
type Outcome struct {
	Classification Classification `json:"classification"`

	// Alternatives are runner-up intents from the keyword score vector and
	// the embedding similarities, best first, excluding the chosen intent.
	Alternatives []Classification `json:"alternatives,omitempty"`

	Trace []StageTrace `json:"trace"`
}

// cascadeState carries per-query observations between stages.
type cascadeState struct {
	keywordScores []IntentScore
	embeddingSims map[Intent]float64
	trace         []StageTrace
}

// stage is the cascade's uniform view of a classification stage.
type stage struct {
	method       Method
	threshold    float64
	hasThreshold bool
	run          func(ctx context.Context, query string, history []string, st *cascadeState) (StageResult, error)
}

// CascadeConfig wires a Cascade.
type CascadeConfig struct {
	// Catalog is the intent catalog. Required.
	Catalog *Catalog

	// Index enables the embedding stage. Nil disables it.
	Index *EmbeddingIndex

	// Provider enables the generative fallback stage. Nil disables it.
	Provider Provider

	// LearnedSource feeds verified learned patterns to the pattern stage
	// under the before_rules policy.
	LearnedSource LearnedPatternSource

	// Disabled lists stages to skip.
	Disabled []Method

	Logger *slog.Logger
}

// Cascade runs the classification stages in fixed order and short-circuits
// on the first result that clears its stage's acceptance threshold.
//
// # Description
//
// Order: pattern (accept > 0.85), keyword (> 0.75), embedding (> 0.7),
// generative fallback (any successful parse). The internal step returns a
// (Classification, error) pair; Classify collapses any error into the
// catalog's low-confidence default so callers never see a failure.
//
// The embedding stage is initialized lazily before the first
// classification. Failed initialization is retried at most every
// embeddingInitRetry; until then the stage is skipped.
//
// # Thread Safety
//
// Safe for concurrent use. Each query progresses through its own stage
// sequence; only the statistics and the embedding cache are shared.
type Cascade struct {
	cat       *Catalog
	pattern   *PatternStage
	keyword   *KeywordStage
	embedding *EmbeddingStage
	fallback  *FallbackStage
	stages    []stage
	disabled  map[Method]bool
	stats     *ClassificationStats
	logger    *slog.Logger

	initMu      sync.Mutex
	lastInitTry time.Time
}

// NewCascade builds the stages from the catalog and wires them in order.
//
// # Outputs
//
//   - *Cascade: Ready-to-use cascade.
//   - error: Non-nil if a pattern fails to compile or the prompt template
//     cannot be parsed.
func NewCascade(cc CascadeConfig) (*Cascade, error) {
	if cc.Catalog == nil {
		return nil, errors.New("cascade: catalog must not be nil")
	}
	logger := cc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := cc.Catalog.Config()
	th := cfg.Thresholds

	pattern, err := NewPatternStage(cc.Catalog, th.PatternConfidence,
		WithLearnedSource(cc.LearnedSource, cfg.Learning.LearnedPolicy),
		WithPatternLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}

	c := &Cascade{
		cat:      cc.Catalog,
		pattern:  pattern,
		keyword:  NewKeywordStage(cc.Catalog, th.KeywordActivation),
		disabled: make(map[Method]bool, len(cc.Disabled)),
		stats:    NewClassificationStats(cfg.Fallback.CostPerCall),
		logger:   logger,
	}
	for _, m := range cc.Disabled {
		c.disabled[m] = true
	}
	if cc.Index != nil {
		c.embedding = NewEmbeddingStage(cc.Catalog, cc.Index, th.EmbeddingActivation, logger)
	}
	if cc.Provider != nil && cfg.Fallback.Enabled {
		c.fallback, err = NewFallbackStage(cc.Catalog, cc.Provider, cfg.Fallback, logger)
		if err != nil {
			return nil, fmt.Errorf("cascade: %w", err)
		}
	}

	c.stages = []stage{
		{method: MethodPattern, threshold: th.Pattern, hasThreshold: true, run: c.runPattern},
		{method: MethodKeyword, threshold: th.Keyword, hasThreshold: true, run: c.runKeyword},
		{method: MethodEmbedding, threshold: th.Embedding, hasThreshold: true, run: c.runEmbedding},
		{method: MethodLLM, run: c.runFallback},
	}
	return c, nil
}

// =============================================================================
// Stage adapters
// =============================================================================

func (c *Cascade) runPattern(_ context.Context, query string, _ []string, _ *cascadeState) (StageResult, error) {
	if m := c.pattern.Match(query); m != nil {
		return m, nil
	}
	return nil, nil
}

func (c *Cascade) runKeyword(_ context.Context, query string, _ []string, st *cascadeState) (StageResult, error) {
	st.keywordScores = c.keyword.Scores(query)
	if r := c.keyword.Analyze(query); r != nil {
		return r, nil
	}
	return nil, nil
}

func (c *Cascade) runEmbedding(ctx context.Context, query string, _ []string, st *cascadeState) (StageResult, error) {
	if c.embedding == nil || !c.embedding.Initialized() {
		return nil, nil
	}
	r, sims := c.embedding.evaluate(ctx, query)
	st.embeddingSims = sims
	if r == nil {
		return nil, nil
	}
	return r, nil
}

func (c *Cascade) runFallback(ctx context.Context, query string, history []string, _ *cascadeState) (StageResult, error) {
	if c.fallback == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	r, err := c.fallback.Classify(ctx, query, history)
	if errors.Is(err, ErrStageInput) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// =============================================================================
// Classification
// =============================================================================

// Classify returns the canonical classification of query. It never fails:
// errors become the catalog's low-confidence default carrying the error
// message.
func (c *Cascade) Classify(ctx context.Context, query string) Classification {
	return c.ClassifyWithAlternatives(ctx, query, nil).Classification
}

// ClassifyWithAlternatives classifies query with optional prior turns
// (used only by the generative fallback) and reports the runner-ups and
// per-stage trace.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *Cascade) ClassifyWithAlternatives(ctx context.Context, query string, history []string) (out Outcome) {
	start := time.Now()
	ctx, span := routingTracer.Start(ctx, "routing.Cascade.Classify",
		trace.WithAttributes(attribute.String("query_preview", TruncateForLog(query, 80))),
	)
	defer span.End()

	c.stats.recordQuery()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("classification panic: %v", r)
			c.logger.Error("cascade: recovered from panic", slog.String("panic", fmt.Sprint(r)))
			span.SetStatus(codes.Error, "panic")
			c.stats.recordError(MethodFallback)
			c.stats.recordResolved(MethodFallback)
			cascadeDefaultTotal.WithLabelValues("PANIC").Inc()
			out = Outcome{Classification: c.cat.Default(query, msg)}
		}
	}()

	c.ensureEmbedding(ctx)

	st := &cascadeState{}
	cls, err := c.step(ctx, query, history, st)
	if err != nil {
		cls = c.cat.Default(query, err.Error())
		code := string(ErrCodeExhausted)
		var ce *ClassificationError
		stageName := MethodFallback
		if errors.As(err, &ce) {
			code = string(ce.Code)
			if ce.Stage != "" {
				stageName = ce.Stage
			}
		}
		// A stage's own timeout is a failure; only the caller's context
		// ending counts as a cancellation.
		if ctx.Err() != nil {
			code = "CANCELLED"
		} else {
			c.stats.recordError(stageName)
		}
		cascadeDefaultTotal.WithLabelValues(code).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		c.logger.Warn("cascade: returning default classification",
			slog.String("code", code),
			slog.String("error", err.Error()),
			slog.String("query_preview", TruncateForLog(query, 80)),
		)
	}

	c.stats.recordResolved(cls.Method)
	cascadeLatency.WithLabelValues(string(cls.Method)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("intent", string(cls.Intent)),
		attribute.Float64("confidence", cls.Confidence),
		attribute.String("method", string(cls.Method)),
	)

	return Outcome{
		Classification: cls,
		Alternatives:   c.alternatives(query, cls.Intent, st),
		Trace:          st.trace,
	}
}

// step runs the stages in order and returns the first accepted
// classification, or an error when none was accepted.
func (c *Cascade) step(ctx context.Context, query string, history []string, st *cascadeState) (Classification, error) {
	var lastErr error

	for _, sg := range c.stages {
		if c.disabled[sg.method] {
			c.note(st, sg.method, outcomeSkipped, nil, nil)
			continue
		}
		if err := ctx.Err(); err != nil {
			return Classification{}, NewClassificationError(ErrCodeExhausted, sg.method, "cancelled before stage", err)
		}

		res, err := sg.run(ctx, query, history, st)
		if err != nil {
			lastErr = err
			c.note(st, sg.method, outcomeError, nil, err)
			continue
		}
		if res == nil {
			c.note(st, sg.method, outcomeNoResult, nil, nil)
			continue
		}
		if sg.hasThreshold && res.StageConfidence() <= sg.threshold {
			c.note(st, sg.method, outcomeBelowThreshold, res, nil)
			continue
		}

		c.note(st, sg.method, outcomeAccepted, res, nil)
		c.logger.Debug("cascade: stage accepted",
			slog.String("stage", string(sg.method)),
			slog.String("intent", string(res.StageIntent())),
			slog.Float64("confidence", res.StageConfidence()),
		)
		return c.cat.Normalize(query, sg.method, res), nil
	}

	if lastErr != nil {
		return Classification{}, lastErr
	}
	return Classification{}, NewClassificationError(ErrCodeExhausted, MethodFallback,
		"no stage produced an accepted result", ErrClassificationExhausted)
}

func (c *Cascade) note(st *cascadeState, m Method, outcome string, res StageResult, err error) {
	t := StageTrace{Stage: m, Outcome: outcome}
	if res != nil {
		t.Intent = res.StageIntent()
		t.Confidence = res.StageConfidence()
	}
	if err != nil {
		t.Error = err.Error()
	}
	st.trace = append(st.trace, t)
	cascadeStageTotal.WithLabelValues(string(m), outcome).Inc()
}

// alternatives merges the keyword score vector and embedding similarities
// into runner-up classifications, best first.
func (c *Cascade) alternatives(query string, chosen Intent, st *cascadeState) []Classification {
	best := make(map[Intent]Classification)
	consider := func(intent Intent, conf float64, m Method) {
		if intent == chosen || conf <= 0 || !c.cat.Known(intent) {
			return
		}
		if cur, ok := best[intent]; ok && cur.Confidence >= conf {
			return
		}
		var res StageResult
		switch m {
		case MethodKeyword:
			res = &KeywordResult{Intent: intent, Confidence: conf}
		default:
			res = &EmbeddingResult{Intent: intent, Confidence: conf}
		}
		best[intent] = c.cat.Normalize(query, m, res)
	}

	for _, s := range st.keywordScores {
		consider(s.Intent, KeywordConfidence(s.Score), MethodKeyword)
	}
	for intent, sim := range st.embeddingSims {
		consider(intent, sim, MethodEmbedding)
	}

	order := make(map[Intent]int)
	for i, in := range c.cat.Intents() {
		order[in] = i
	}
	out := make([]Classification, 0, len(best))
	for _, cls := range best {
		out = append(out, cls)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return order[out[i].Intent] < order[out[j].Intent]
	})
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Initialize eagerly initializes the embedding stage. Hosts call it at
// startup; Classify also calls it lazily.
func (c *Cascade) Initialize(ctx context.Context) error {
	if c.embedding == nil || c.disabled[MethodEmbedding] {
		return nil
	}
	c.initMu.Lock()
	c.lastInitTry = time.Now()
	c.initMu.Unlock()
	return c.embedding.Initialize(ctx)
}

// ensureEmbedding performs the lazy one-time embedding initialization.
func (c *Cascade) ensureEmbedding(ctx context.Context) {
	if c.embedding == nil || c.disabled[MethodEmbedding] || c.embedding.Initialized() {
		return
	}
	c.initMu.Lock()
	if !c.lastInitTry.IsZero() && time.Since(c.lastInitTry) < embeddingInitRetry {
		c.initMu.Unlock()
		return
	}
	c.lastInitTry = time.Now()
	c.initMu.Unlock()

	if err := c.embedding.Initialize(ctx); err != nil {
		c.logger.Warn("cascade: embedding stage unavailable, skipping",
			slog.String("error", err.Error()),
		)
	}
}

// Ready reports whether every enabled stage is ready to serve.
func (c *Cascade) Ready() bool {
	if c.embedding == nil || c.disabled[MethodEmbedding] {
		return true
	}
	return c.embedding.Initialized()
}

// RefreshLearned reloads the pattern stage's learned rules.
func (c *Cascade) RefreshLearned(ctx context.Context) (int, error) {
	return c.pattern.RefreshLearned(ctx, c.cat)
}

// Catalog returns the cascade's intent catalog.
func (c *Cascade) Catalog() *Catalog { return c.cat }

// KeywordStage exposes the keyword stage for callers that score terms
// directly, such as entity disambiguation.
func (c *Cascade) KeywordStage() *KeywordStage { return c.keyword }

// Stats returns a snapshot of the cascade counters, including the fallback
// stage counters when that stage is configured. LLMCalls counts only calls
// that reached the provider, so rate-limited or unconfigured attempts cost
// nothing.
func (c *Cascade) Stats() StatsSnapshot {
	snap := c.stats.Snapshot()
	if c.fallback != nil {
		fs := c.fallback.Stats()
		snap.Fallback = &fs
		c.stats.withProviderCalls(&snap, fs.Calls)
	}
	return snap
}

// ResetStats zeroes the cascade and fallback counters.
func (c *Cascade) ResetStats() {
	c.stats.Reset()
	if c.fallback != nil {
		c.fallback.ResetStats()
	}
}
