// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clarify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

func testCatalog(t *testing.T) *routing.Catalog {
	t.Helper()
	cfg, err := config.LoadRoutingConfig(context.Background(), config.DefaultRoutingRules())
	require.NoError(t, err)
	return routing.NewCatalog(cfg)
}

func newTestEngine(t *testing.T, st InteractionStore, l Learner) *Engine {
	t.Helper()
	cat := testCatalog(t)
	e, err := NewEngine(Options{
		Catalog: cat,
		Keyword: routing.NewKeywordStage(cat, cat.Config().Thresholds.KeywordActivation),
		Store:   st,
		Learner: l,
	})
	require.NoError(t, err)
	return e
}

func cls(intent routing.Intent, conf float64) routing.Classification {
	return routing.Classification{Intent: intent, Confidence: conf, Method: routing.MethodKeyword}
}

func optionIntents(opts []Option) []routing.Intent {
	out := make([]routing.Intent, len(opts))
	for i, o := range opts {
		out[i] = o.Intent
	}
	return out
}

func TestNewEngine_RequiresCatalog(t *testing.T) {
	_, err := NewEngine(Options{})
	assert.Error(t, err)
}

// ===== NeedsClarification =====

func TestNeedsClarification(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	single := routing.Classification{
		Intent: routing.IntentSpellLookup, Confidence: 0.9, Method: routing.MethodPattern,
		Tables: []string{"spells"}, DataSources: []string{routing.SourceStructured},
	}

	tests := []struct {
		name string
		mod  func(c routing.Classification) routing.Classification
		want bool
	}{
		{"confident single source", func(c routing.Classification) routing.Classification { return c }, false},
		{"just below floor", func(c routing.Classification) routing.Classification { c.Confidence = 0.59; return c }, true},
		{"at floor", func(c routing.Classification) routing.Classification { c.Confidence = 0.6; return c }, false},
		{"empty intent", func(c routing.Classification) routing.Classification { c.Intent = ""; return c }, true},
		{"unknown intent", func(c routing.Classification) routing.Classification { c.Intent = routing.IntentUnknown; return c }, true},
		{"intent outside catalog", func(c routing.Classification) routing.Classification { c.Intent = "HACKING_LOOKUP"; return c }, true},
		{"two tables", func(c routing.Classification) routing.Classification {
			c.Tables = []string{"spells", "totems"}
			return c
		}, true},
		{"two sources", func(c routing.Classification) routing.Classification {
			c.DataSources = []string{routing.SourceStructured, routing.SourceRulesText}
			return c
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.NeedsClarification(tt.mod(single)))
		})
	}
}

func TestNeedsClarification_MonotonicInConfidence(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	c := routing.Classification{
		Intent: routing.IntentTotemLookup, Method: routing.MethodKeyword,
		Tables: []string{"totems"}, DataSources: []string{routing.SourceStructured},
	}

	flips := 0
	prev := false
	for i := 100; i >= 0; i-- {
		c.Confidence = float64(i) / 100
		got := e.NeedsClarification(c)
		if got != prev {
			flips++
			assert.True(t, got, "only a false to true flip is allowed at %.2f", c.Confidence)
		}
		prev = got
	}
	assert.Equal(t, 1, flips)
}

// ===== DetectAmbiguityType =====

func TestDetectAmbiguityType(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	long := "fireball drain force sustain"

	tests := []struct {
		name  string
		query string
		best  routing.Classification
		alts  []routing.Classification
		want  AmbiguityType
	}{
		{"bare name", "Bear", cls(routing.IntentRulesQuestion, 0.1), nil, EntityAmbiguous},
		{"bare name with stop words", "tell me about the Bear", cls(routing.IntentRulesQuestion, 0.1), nil, EntityAmbiguous},
		{"two tokens", "fireball drain", cls(routing.IntentSpellLookup, 0.9), nil, TooVague},
		{"no tokens", "???", cls(routing.IntentRulesQuestion, 0.1), nil, TooVague},
		{"two strong alternatives", long, cls(routing.IntentSpellLookup, 0.8),
			[]routing.Classification{cls(routing.IntentTotemLookup, 0.7), cls(routing.IntentRulesQuestion, 0.65)}, IntentAmbiguous},
		{"alternative at floor is not strong", long, cls(routing.IntentSpellLookup, 0.8),
			[]routing.Classification{cls(routing.IntentTotemLookup, 0.7), cls(routing.IntentRulesQuestion, 0.6)}, Generic},
		{"weak best", long, cls(routing.IntentSpellLookup, 0.4),
			[]routing.Classification{cls(routing.IntentTotemLookup, 0.7)}, ContextNeeded},
		{"confident best", long, cls(routing.IntentSpellLookup, 0.8), nil, Generic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.DetectAmbiguityType(tt.query, tt.best, tt.alts))
		})
	}
}

// ===== GenerateClarification =====

func TestGenerateClarification_BareEntity(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	cat := testCatalog(t)
	ctx := context.Background()

	req := e.GenerateClarification(ctx, "Bear", cat.Default("Bear", ""), nil)

	assert.Equal(t, EntityAmbiguous, req.Ambiguity)
	assert.Equal(t, KindDisambiguation, req.Kind)
	assert.Equal(t, "Bear", req.Query)
	require.NotEmpty(t, req.Options)
	assert.Equal(t, routing.IntentTotemLookup, req.Options[0].Intent)
	assert.InDelta(t, 0.45, req.Options[0].Confidence, 1e-9)
	assert.Equal(t, "Look up a totem", req.Options[0].Label)
	assert.LessOrEqual(t, len(req.Options), 5)
	assert.Contains(t, req.Prompt, "Bear")
}

func TestGenerateClarification_IntentAmbiguous(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	q := "compare fireball drain with the bear totem"

	req := e.GenerateClarification(context.Background(), q, cls(routing.IntentSpellLookup, 0.8), []routing.Classification{
		cls(routing.IntentTotemLookup, 0.7),
		cls(routing.IntentGearComparison, 0.65),
	})

	assert.Equal(t, IntentAmbiguous, req.Ambiguity)
	assert.Equal(t, KindDisambiguation, req.Kind)
	assert.Equal(t, []routing.Intent{
		routing.IntentSpellLookup, routing.IntentTotemLookup, routing.IntentGearComparison,
	}, optionIntents(req.Options))
}

func TestGenerateClarification_OptionCap(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	cat := testCatalog(t)

	var alts []routing.Classification
	for _, in := range cat.Intents() {
		alts = append(alts, cls(in, 0.7))
	}
	req := e.GenerateClarification(context.Background(), "fireball drain force sustain", cls(routing.IntentSpellLookup, 0.9), alts)

	assert.Equal(t, IntentAmbiguous, req.Ambiguity)
	require.Len(t, req.Options, 5)
	assert.Equal(t, routing.IntentSpellLookup, req.Options[0].Intent)
	// Ties keep declaration order.
	assert.Equal(t, routing.IntentGearComparison, req.Options[1].Intent)
	assert.Equal(t, routing.IntentTotemLookup, req.Options[2].Intent)
}

func TestGenerateClarification_ContextNeeded(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	req := e.GenerateClarification(context.Background(), "something about magic rules please",
		cls(routing.IntentRulesQuestion, 0.4), []routing.Classification{cls(routing.IntentSpellLookup, 0.3)})

	assert.Equal(t, ContextNeeded, req.Ambiguity)
	assert.Equal(t, KindContextRequest, req.Kind)
	require.NotNil(t, req.BestGuess)
	assert.Equal(t, routing.IntentRulesQuestion, req.BestGuess.Intent)
	require.Len(t, req.Suggestions, 3)
	assert.Contains(t, req.Suggestions[0], "how does initiative work?")
	assert.Contains(t, req.Suggestions[1], "what is the Fireball spell?")
}

func TestGenerateClarification_ContextNeededWithoutKnownGuess(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	req := e.GenerateClarification(context.Background(), "something about magic rules",
		cls(routing.IntentUnknown, 0.2), nil)

	assert.Equal(t, ContextNeeded, req.Ambiguity)
	assert.Equal(t, KindRephrase, req.Kind)
}

func TestGenerateClarification_TooVague(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	cat := testCatalog(t)

	req := e.GenerateClarification(context.Background(), "fireball drain", cls(routing.IntentSpellLookup, 0.9), nil)

	assert.Equal(t, TooVague, req.Ambiguity)
	assert.Equal(t, KindRephrase, req.Kind)
	assert.Len(t, req.Examples, len(cat.Intents()))
	for _, ex := range req.Examples {
		assert.NotEmpty(t, ex.Example, ex.Intent)
	}
}

func TestGenerateClarification_GenericDegradesToRephrase(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	q := "everything regarding astral projection"

	req := e.GenerateClarification(context.Background(), q, cls(routing.IntentRulesQuestion, 0.8), nil)
	assert.Equal(t, Generic, req.Ambiguity)
	assert.Equal(t, KindRephrase, req.Kind)

	req = e.GenerateClarification(context.Background(), q, cls(routing.IntentRulesQuestion, 0.8),
		[]routing.Classification{cls(routing.IntentSpellLookup, 0.3)})
	assert.Equal(t, Generic, req.Ambiguity)
	assert.Equal(t, KindMultipleChoice, req.Kind)
	assert.Equal(t, []routing.Intent{routing.IntentRulesQuestion, routing.IntentSpellLookup}, optionIntents(req.Options))
}

func TestGenerateClarification_NeverEmpty(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	for _, q := range []string{"", " ", "Bear", "x y", "what is it", "!!!", "roll roll roll roll"} {
		req := e.GenerateClarification(context.Background(), q, cls(routing.IntentUnknown, 0), nil)
		assert.NotEmpty(t, req.Kind, q)
		assert.NotEmpty(t, req.Prompt, q)
		if req.Kind == KindRephrase {
			assert.NotEmpty(t, req.Examples, q)
		}
	}
}
