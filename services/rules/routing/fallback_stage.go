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
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRules/services/llm"
	"github.com/AleutianAI/AleutianRules/services/rules/config"
)

// Provider sends a prompt to a generative language model and returns its
// raw text response.
type Provider func(ctx context.Context, prompt string) (string, error)

// FallbackStats is a snapshot of the fallback stage counters.
//
// Calls counts attempts that reached the provider. Successes and Failures
// count observed outcomes only; Cancelled counts calls abandoned because the
// caller's context ended.
type FallbackStats struct {
	Calls      int64         `json:"calls"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	Cancelled  int64         `json:"cancelled"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// FallbackStage delegates classification to a generative model and parses
// the strict INTENT|confidence response.
//
// # Description
//
// Each call renders the fixed prompt, applies the per-call timeout and the
// optional rate limit, and parses the response. The stage never retries.
//
// # Thread Safety
//
// Safe for concurrent use. Statistics are guarded by a mutex.
type FallbackStage struct {
	cat        *Catalog
	provider   Provider
	prompts    *PromptBuilder
	limiter    *rate.Limiter
	timeout    time.Duration
	maxHistory int
	logger     *slog.Logger

	mu    sync.Mutex
	stats FallbackStats
}

// NewFallbackStage creates a fallback stage.
//
// # Inputs
//
//   - cat: Intent catalog. Must not be nil.
//   - provider: Generative provider. Nil makes every call fail with
//     ErrProviderUnavailable.
//   - cfg: Timeout, rate limit and history settings.
//   - logger: Logger. Nil uses slog.Default().
func NewFallbackStage(cat *Catalog, provider Provider, cfg config.FallbackConfig, logger *slog.Logger) (*FallbackStage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pb, err := NewPromptBuilder()
	if err != nil {
		return nil, err
	}
	s := &FallbackStage{
		cat:        cat,
		provider:   provider,
		prompts:    pb,
		timeout:    cfg.Timeout,
		maxHistory: cfg.MaxHistoryTurns,
		logger:     logger,
	}
	if s.timeout <= 0 {
		s.timeout = config.DefaultFallbackTimeout
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s, nil
}

// Classify asks the provider for an intent.
//
// # Inputs
//
//   - ctx: Cancellation. A cancelled context abandons the call without
//     counting it as a success or failure.
//   - query: The user query. Blank queries fail with ErrStageInput.
//   - history: Optional prior turns, most recent last.
//
// # Outputs
//
//   - *FallbackResult: Parsed intent and confidence.
//   - error: A *ClassificationError matching ErrProviderFormat,
//     ErrProviderValidation, ErrProviderUnavailable or ErrStageInput.
func (s *FallbackStage) Classify(ctx context.Context, query string, history []string) (*FallbackResult, error) {
	ctx, span := routingTracer.Start(ctx, "routing.FallbackStage.Classify",
		trace.WithAttributes(
			attribute.String("query_preview", TruncateForLog(query, 80)),
			attribute.Int("history_turns", len(history)),
		),
	)
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, NewClassificationError(ErrCodeStageInput, MethodLLM, "empty query", nil)
	}
	if s.provider == nil {
		return nil, NewClassificationError(ErrCodeProviderUnavailable, MethodLLM, "no provider configured", nil)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		fallbackCallsTotal.WithLabelValues("rate_limited").Inc()
		return nil, NewClassificationError(ErrCodeProviderUnavailable, MethodLLM, "rate limited", nil)
	}

	if s.maxHistory > 0 && len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	prompt, err := s.prompts.Build(s.cat, query, history)
	if err != nil {
		return nil, NewClassificationError(ErrCodeProviderUnavailable, MethodLLM, "prompt render failed", err)
	}

	s.mu.Lock()
	s.stats.Calls++
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	raw, callErr := s.provider(callCtx, prompt)
	elapsed := time.Since(start)

	// The caller went away: the outcome was never observed.
	if ctx.Err() != nil {
		s.mu.Lock()
		s.stats.Cancelled++
		s.mu.Unlock()
		fallbackCallsTotal.WithLabelValues("cancelled").Inc()
		span.SetStatus(codes.Error, "cancelled")
		return nil, NewClassificationError(ErrCodeProviderUnavailable, MethodLLM, "call abandoned", ctx.Err())
	}

	fallbackLatency.Observe(elapsed.Seconds())

	if callErr != nil {
		s.record(false, elapsed)
		fallbackCallsTotal.WithLabelValues("unavailable").Inc()
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "provider failed")
		s.logger.Warn("fallback stage: provider call failed",
			slog.String("error", llm.SafeLogString(callErr.Error())),
			slog.Duration("duration", elapsed),
		)
		return nil, NewClassificationError(ErrCodeProviderUnavailable, MethodLLM, "provider call failed", callErr)
	}

	res, parseErr := ParseResponse(raw, s.cat)
	if parseErr != nil {
		s.record(false, elapsed)
		outcome := "format_error"
		if errors.Is(parseErr, ErrProviderValidation) {
			outcome = "validation_error"
		}
		fallbackCallsTotal.WithLabelValues(outcome).Inc()
		span.RecordError(parseErr)
		span.SetStatus(codes.Error, outcome)
		s.logger.Warn("fallback stage: unusable provider response",
			slog.String("outcome", outcome),
			slog.String("response", llm.SafeLogString(TruncateForLog(raw, 80))),
		)
		return nil, parseErr
	}

	s.record(true, elapsed)
	fallbackCallsTotal.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.String("intent", string(res.Intent)),
		attribute.Float64("confidence", res.Confidence),
	)
	return res, nil
}

// record updates the observed-outcome counters and the running average
// latency.
func (s *FallbackStage) record(ok bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.stats.Successes++
	} else {
		s.stats.Failures++
	}
	n := s.stats.Successes + s.stats.Failures
	s.stats.AvgLatency += (elapsed - s.stats.AvgLatency) / time.Duration(n)
}

// Stats returns a snapshot of the stage counters.
func (s *FallbackStage) Stats() FallbackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the stage counters.
func (s *FallbackStage) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = FallbackStats{}
}

// ParseResponse parses a strict INTENT|confidence response.
//
// # Description
//
// Surrounding whitespace is ignored. The response must contain exactly one
// "|" with a non-empty intent name on the left and a decimal number on the
// right, otherwise the error matches ErrProviderFormat. An intent outside
// the catalog or a confidence outside [0, 1] yields ErrProviderValidation.
func ParseResponse(raw string, cat *Catalog) (*FallbackResult, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.Count(trimmed, "|") != 1 {
		return nil, formatError(raw, "expected exactly one '|' separator")
	}

	name, confStr, _ := strings.Cut(trimmed, "|")
	name = strings.TrimSpace(name)
	confStr = strings.TrimSpace(confStr)
	if name == "" || confStr == "" {
		return nil, formatError(raw, "intent and confidence must both be present")
	}

	conf, err := strconv.ParseFloat(confStr, 64)
	if err != nil {
		return nil, formatError(raw, "confidence is not a number")
	}

	intent := Intent(name)
	if !cat.Known(intent) {
		return nil, validationError(raw, "unknown intent "+name)
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return nil, validationError(raw, "confidence outside [0, 1]")
	}

	return &FallbackResult{Intent: intent, Confidence: conf, Raw: trimmed}, nil
}
