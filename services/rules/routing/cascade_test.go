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
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestCascade(t *testing.T, cc CascadeConfig) *Cascade {
	t.Helper()
	if cc.Catalog == nil {
		cc.Catalog = testCatalog(t)
	}
	c, err := NewCascade(cc)
	require.NoError(t, err)
	return c
}

// =============================================================================
// Acceptance scenarios
// =============================================================================

func TestCascade_PatternScenarios(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})
	ctx := context.Background()

	t.Run("spell", func(t *testing.T) {
		cls := c.Classify(ctx, "What is the Fireball spell?")
		assert.Equal(t, IntentSpellLookup, cls.Intent)
		assert.Equal(t, MethodPattern, cls.Method)
		assert.Equal(t, 0.9, cls.Confidence)
		assert.Equal(t, "Fireball", cls.EntityName)
		assert.Equal(t, []string{"spells"}, cls.Tables)
		assert.Equal(t, []string{SourceStructured}, cls.DataSources)
		assert.Empty(t, cls.Error)
	})

	t.Run("compare", func(t *testing.T) {
		cls := c.Classify(ctx, "compare the Ares Predator and the Colt Manhunter")
		assert.Equal(t, IntentGearComparison, cls.Intent)
		assert.Equal(t, []string{"Ares Predator", "Colt Manhunter"}, cls.Captures)
		assert.Equal(t, "Ares Predator", cls.Filters["compare_a"])
		assert.Equal(t, "Colt Manhunter", cls.Filters["compare_b"])
		assert.Equal(t, "name", cls.SortBy)
	})

	t.Run("dice", func(t *testing.T) {
		cls := c.Classify(ctx, "roll 6 dice against a target number of 4")
		assert.Equal(t, IntentDiceRoll, cls.Intent)
		assert.Equal(t, "6", cls.Filters["pool"])
		assert.Empty(t, cls.EntityName)
		assert.Equal(t, []string{SourceDice}, cls.DataSources)
	})

	t.Run("rules text", func(t *testing.T) {
		cls := c.Classify(ctx, "how does initiative work?")
		assert.Equal(t, IntentRulesQuestion, cls.Intent)
		assert.Equal(t, []string{"initiative", "work"}, cls.SearchTerms)
	})
}

func TestCascade_KeywordAccepted(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})

	out := c.ClassifyWithAlternatives(context.Background(), "sorcery drain when casting mana spells", nil)
	assert.Equal(t, IntentSpellLookup, out.Classification.Intent)
	assert.Equal(t, MethodKeyword, out.Classification.Method)
	assert.Equal(t, 1.0, out.Classification.Confidence)

	require.Len(t, out.Trace, 2)
	assert.Equal(t, outcomeNoResult, out.Trace[0].Outcome)
	assert.Equal(t, outcomeAccepted, out.Trace[1].Outcome)
}

func TestCascade_UnresolvedBareNoun(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})

	out := c.ClassifyWithAlternatives(context.Background(), "Tell me about Bear", nil)
	cls := out.Classification
	assert.Equal(t, IntentRulesQuestion, cls.Intent)
	assert.Equal(t, MethodFallback, cls.Method)
	assert.InDelta(t, 0.1, cls.Confidence, 1e-9)
	assert.Contains(t, cls.Error, string(ErrCodeExhausted))

	require.NotEmpty(t, out.Alternatives)
	assert.Equal(t, IntentTotemLookup, out.Alternatives[0].Intent)
	assert.InDelta(t, 0.45, out.Alternatives[0].Confidence, 1e-9)
	for _, alt := range out.Alternatives {
		assert.NotEqual(t, cls.Intent, alt.Intent)
	}
}

func TestCascade_EmbeddingAccepted(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{
		Index:    NewEmbeddingIndex(newBagEmbedder(), nil, nil),
		Disabled: []Method{MethodPattern, MethodKeyword},
	})

	cls := c.Classify(context.Background(), "which spirits does Eagle favor")
	assert.Equal(t, IntentTotemLookup, cls.Intent)
	assert.Equal(t, MethodEmbedding, cls.Method)
	assert.True(t, c.Ready())
}

func TestCascade_FallbackAccepted(t *testing.T) {
	p := &staticProvider{response: "GEAR_LOOKUP|0.95"}
	c := newTestCascade(t, CascadeConfig{Provider: p.call})

	out := c.ClassifyWithAlternatives(context.Background(), "how heavy is a Roomba", []string{"earlier turn"})
	assert.Equal(t, IntentGearLookup, out.Classification.Intent)
	assert.Equal(t, MethodLLM, out.Classification.Method)
	assert.Equal(t, 0.95, out.Classification.Confidence)
	assert.Equal(t, "Roomba", out.Classification.EntityName)
	assert.Contains(t, p.prompts[0], "earlier turn")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.LLMCalls)
	require.NotNil(t, stats.Fallback)
	assert.Equal(t, int64(1), stats.Fallback.Successes)
}

func TestCascade_FallbackFormatError_ReturnsDefault(t *testing.T) {
	p := &staticProvider{response: "GEAR_LOOKUP 0.95"}
	c := newTestCascade(t, CascadeConfig{Provider: p.call})

	cls := c.Classify(context.Background(), "how heavy is a Roomba")
	assert.Equal(t, IntentRulesQuestion, cls.Intent)
	assert.Equal(t, MethodFallback, cls.Method)
	assert.Contains(t, cls.Error, string(ErrCodeProviderFormat))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Errors[MethodLLM])
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(1), stats.Resolved[MethodFallback])
}

// =============================================================================
// Cascade laws
// =============================================================================

func TestCascade_ShortCircuit(t *testing.T) {
	emb := newBagEmbedder()
	p := &staticProvider{response: "DICE_ROLL|0.99"}
	c := newTestCascade(t, CascadeConfig{
		Index:    NewEmbeddingIndex(emb, nil, nil),
		Provider: p.call,
	})

	out := c.ClassifyWithAlternatives(context.Background(), "What is the Fireball spell?", nil)
	assert.Equal(t, MethodPattern, out.Classification.Method)
	require.Len(t, out.Trace, 1, "later stages are not invoked")
	assert.Zero(t, p.calls())
	assert.Zero(t, emb.callsFor("What is the Fireball spell?"))
}

func TestCascade_ThresholdIsStrict(t *testing.T) {
	const rules = `
thresholds:
  pattern: 0.85
  pattern_confidence: 0.85
default_intent: WIDGET_LOOKUP
intents:
  - name: WIDGET_LOOKUP
    label: Widgets
    data_sources: [structured]
    patterns: ['(?i)\bwidget\b']
`
	c := newTestCascade(t, CascadeConfig{Catalog: catalogFromYAML(t, rules)})

	out := c.ClassifyWithAlternatives(context.Background(), "widget", nil)
	assert.Equal(t, MethodFallback, out.Classification.Method, "confidence equal to the threshold is not accepted")
	require.NotEmpty(t, out.Trace)
	assert.Equal(t, outcomeBelowThreshold, out.Trace[0].Outcome)
}

func TestCascade_AllStagesDisabled(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{
		Disabled: []Method{MethodPattern, MethodKeyword, MethodEmbedding, MethodLLM},
	})

	cls := c.Classify(context.Background(), "What is the Fireball spell?")
	assert.Equal(t, MethodFallback, cls.Method)
	assert.Contains(t, cls.Error, string(ErrCodeExhausted))
}

func TestCascade_EmptyQuery(t *testing.T) {
	p := &staticProvider{response: "DICE_ROLL|0.99"}
	c := newTestCascade(t, CascadeConfig{Provider: p.call})

	for _, q := range []string{"", "   ", "\n\t"} {
		cls := c.Classify(context.Background(), q)
		assert.Equal(t, IntentRulesQuestion, cls.Intent)
		assert.Equal(t, MethodFallback, cls.Method)
		assert.LessOrEqual(t, cls.Confidence, 1.0)
	}
	assert.Zero(t, p.calls(), "blank queries never reach the provider")
}

func TestCascade_NeverPanics_RandomInput(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})
	rng := rand.New(rand.NewPCG(42, 1024))
	alphabet := []rune("abcdefghijklmnopqrstuvwxyz ABCXYZ0123456789?!.,'-|()[]*+\\\t\nßé漢字🙂")

	for i := 0; i < 1000; i++ {
		n := rng.IntN(120)
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteRune(alphabet[rng.IntN(len(alphabet))])
		}
		q := b.String()

		var cls Classification
		require.NotPanics(t, func() { cls = c.Classify(context.Background(), q) }, "query %q", q)
		assert.True(t, c.Catalog().Known(cls.Intent), "query %q gave %q", q, cls.Intent)
		assert.GreaterOrEqual(t, cls.Confidence, 0.0)
		assert.LessOrEqual(t, cls.Confidence, 1.0)
	}
	assert.Equal(t, int64(1000), c.Stats().TotalQueries)
}

func TestCascade_CancelledBeforeStart_NotCountedAsError(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cls := c.Classify(ctx, "What is the Fireball spell?")
	assert.Equal(t, MethodFallback, cls.Method)
	assert.NotEmpty(t, cls.Error)
	assert.Zero(t, c.Stats().TotalErrors)
}

func TestCascade_CancelledDuringFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := func(callCtx context.Context, _ string) (string, error) {
		cancel()
		<-callCtx.Done()
		return "", callCtx.Err()
	}
	c := newTestCascade(t, CascadeConfig{Provider: provider})

	cls := c.Classify(ctx, "how heavy is a Roomba")
	assert.Equal(t, MethodFallback, cls.Method)

	stats := c.Stats()
	assert.Zero(t, stats.TotalErrors)
	require.NotNil(t, stats.Fallback)
	assert.Equal(t, int64(1), stats.Fallback.Cancelled)
	assert.Zero(t, stats.Fallback.Failures)
}

func TestCascade_FallbackTimeout_CountedAsError(t *testing.T) {
	provider := func(callCtx context.Context, _ string) (string, error) {
		<-callCtx.Done()
		return "", callCtx.Err()
	}
	cat := testCatalog(t)
	cat.Config().Fallback.Timeout = 20 * time.Millisecond
	c := newTestCascade(t, CascadeConfig{Catalog: cat, Provider: provider})

	cls := c.Classify(context.Background(), "how heavy is a Roomba")
	assert.Equal(t, IntentRulesQuestion, cls.Intent)
	assert.Equal(t, MethodFallback, cls.Method)
	assert.Contains(t, cls.Error, string(ErrCodeProviderUnavailable))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Errors[MethodLLM])
	assert.Equal(t, int64(1), stats.TotalErrors)
	require.NotNil(t, stats.Fallback)
	assert.Equal(t, int64(1), stats.Fallback.Failures)
	assert.Zero(t, stats.Fallback.Cancelled)
}

func TestCascade_LLMCallsCountOnlyProviderCalls(t *testing.T) {
	p := &staticProvider{response: "GEAR_LOOKUP|0.95"}
	cat := testCatalog(t)
	cat.Config().Fallback.RatePerSecond = 0.001
	cat.Config().Fallback.Burst = 1
	c := newTestCascade(t, CascadeConfig{Catalog: cat, Provider: p.call})
	ctx := context.Background()

	first := c.Classify(ctx, "how heavy is a Roomba")
	assert.Equal(t, MethodLLM, first.Method)
	second := c.Classify(ctx, "how heavy is a Roomba")
	assert.Equal(t, MethodFallback, second.Method)
	assert.Contains(t, second.Error, "rate limited")

	stats := c.Stats()
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, int64(1), stats.LLMCalls)
	assert.InDelta(t, 0.0004, stats.EstimatedCost, 1e-12)
}

func TestCascade_NoProvider_NoLLMCost(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{})

	c.Classify(context.Background(), "how heavy is a Roomba")
	stats := c.Stats()
	assert.Zero(t, stats.LLMCalls)
	assert.Zero(t, stats.EstimatedCost)
}

func TestCascade_Concurrent(t *testing.T) {
	c := newTestCascade(t, CascadeConfig{
		Index: NewEmbeddingIndex(newBagEmbedder(), nil, nil),
	})
	queries := []string{
		"What is the Fireball spell?",
		"sorcery drain when casting mana spells",
		"which spirits does Eagle favor",
		"Tell me about Bear",
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = c.Classify(context.Background(), queries[(i+j)%len(queries)])
			}
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(400), stats.TotalQueries)
	var resolved int64
	for _, n := range stats.Resolved {
		resolved += n
	}
	assert.Equal(t, int64(400), resolved, "every query resolves exactly once")
}

func TestCascade_StatsCoverageAndReset(t *testing.T) {
	p := &staticProvider{response: "GEAR_LOOKUP|0.95"}
	c := newTestCascade(t, CascadeConfig{Provider: p.call})
	ctx := context.Background()

	c.Classify(ctx, "What is the Fireball spell?")
	c.Classify(ctx, "sorcery drain when casting mana spells")
	c.Classify(ctx, "how heavy is a Roomba")
	c.Classify(ctx, "")

	stats := c.Stats()
	assert.Equal(t, int64(4), stats.TotalQueries)
	assert.InDelta(t, 0.25, stats.Coverage[MethodPattern], 1e-9)
	assert.InDelta(t, 0.25, stats.Coverage[MethodKeyword], 1e-9)
	assert.InDelta(t, 0.25, stats.Coverage[MethodLLM], 1e-9)
	assert.InDelta(t, 0.25, stats.Coverage[MethodFallback], 1e-9)
	assert.InDelta(t, 0.0004, stats.EstimatedCost, 1e-12)

	c.ResetStats()
	stats = c.Stats()
	assert.Zero(t, stats.TotalQueries)
	assert.Zero(t, stats.LLMCalls)
	assert.Zero(t, stats.Fallback.Calls)
}

func TestCascade_LazyEmbeddingInitFailureIsSkipped(t *testing.T) {
	emb := newBagEmbedder()
	emb.fail = true
	c := newTestCascade(t, CascadeConfig{Index: NewEmbeddingIndex(emb, nil, nil)})

	cls := c.Classify(context.Background(), "What is the Fireball spell?")
	assert.Equal(t, MethodPattern, cls.Method)
	assert.False(t, c.Ready())

	calls := emb.totalCalls()
	c.Classify(context.Background(), "What is the Fireball spell?")
	assert.Equal(t, calls, emb.totalCalls(), "a failed warm-up is not retried immediately")
}

func TestCascade_EmitsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := newTestCascade(t, CascadeConfig{})
	c.Classify(context.Background(), "What is the Fireball spell?")

	var found bool
	for _, s := range rec.Ended() {
		if s.Name() == "routing.Cascade.Classify" {
			found = true
		}
	}
	assert.True(t, found)
}
