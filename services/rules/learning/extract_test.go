// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learning

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

func byType(ps []Pattern, typ string) []Pattern {
	var out []Pattern
	for _, p := range ps {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func texts(ps []Pattern) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Text
	}
	return out
}

func TestExtractPatterns_HowDoesWork(t *testing.T) {
	ps := ExtractPatterns("How does initiative work?")

	assert.Equal(t,
		[]string{"does initiative", "initiative work", "how does initiative", "does initiative work"},
		texts(byType(ps, routing.LearnedTypePhrase)),
	)
	assert.Equal(t, []string{"initiative", "work"}, texts(byType(ps, routing.LearnedTypeKeyword)))

	tpl := byType(ps, routing.LearnedTypeRegex)
	require.Len(t, tpl, 1)
	assert.InDelta(t, 0.75, tpl[0].Confidence, 1e-9)
	assert.Len(t, ps, 7)
}

func TestExtractPatterns_Templates(t *testing.T) {
	tests := []struct {
		query string
		conf  float64
	}{
		{"what is a called shot", 0.65},
		{"list all combat spells", 0.85},
		{"compare Ares Predator and Colt Manhunter", 0.90},
		{"best armor for a street samurai", 0.80},
		{"how does drain work", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			tpl := byType(ExtractPatterns(tt.query), routing.LearnedTypeRegex)
			require.Len(t, tpl, 1)
			assert.InDelta(t, tt.conf, tpl[0].Confidence, 1e-9)

			re, err := regexp.Compile(tpl[0].Text)
			require.NoError(t, err)
			assert.True(t, re.MatchString(tt.query))
		})
	}
}

func TestExtractPatterns_Confidences(t *testing.T) {
	for _, p := range ExtractPatterns("compare Ares Predator and Colt Manhunter") {
		switch p.Type {
		case routing.LearnedTypePhrase:
			assert.InDelta(t, PhraseConfidence, p.Confidence, 1e-9)
		case routing.LearnedTypeKeyword:
			assert.InDelta(t, KeywordConfidence, p.Confidence, 1e-9)
		}
	}
}

func TestExtractPatterns_SkipsStopWordWindows(t *testing.T) {
	ps := ExtractPatterns("what is the rule")
	for _, p := range byType(ps, routing.LearnedTypePhrase) {
		assert.NotEqual(t, "what is", p.Text)
		assert.NotEqual(t, "what is the", p.Text)
	}
	assert.Contains(t, texts(byType(ps, routing.LearnedTypePhrase)), "the rule")
	assert.Equal(t, []string{"rule"}, texts(byType(ps, routing.LearnedTypeKeyword)))
}

func TestExtractPatterns_ShortAndEmpty(t *testing.T) {
	assert.Empty(t, ExtractPatterns(""))
	assert.Empty(t, ExtractPatterns("   "))

	ps := ExtractPatterns("Bear")
	require.Len(t, ps, 1)
	assert.Equal(t, Pattern{Text: "bear", Type: routing.LearnedTypeKeyword, Confidence: KeywordConfidence}, ps[0])

	// Three-letter tokens are not keywords.
	assert.Empty(t, ExtractPatterns("cat"))
}

func TestExtractPatterns_NoDuplicates(t *testing.T) {
	ps := ExtractPatterns("spell spell spell spell")
	seen := map[string]bool{}
	for _, p := range ps {
		key := p.Type + "|" + p.Text
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
	}
	assert.Len(t, ps, 3) // "spell spell", "spell spell spell", "spell"
}

func TestExtractPatterns_Deterministic(t *testing.T) {
	q := "what is the best armor for a troll"
	first := ExtractPatterns(q)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ExtractPatterns(q))
	}
}
