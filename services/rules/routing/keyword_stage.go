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
	"math"
	"strings"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
)

// Keyword weights per keyword class.
const (
	weightPrimary   = 2.0
	weightSecondary = 0.5
	weightCategory  = 1.0
	weightTopic     = 1.0
	weightItem      = 1.5

	// keywordScoreScale maps a raw score to a confidence: min(score/3, 1).
	keywordScoreScale = 3.0
)

// weightedTerm is one normalized keyword and the weight it contributes.
type weightedTerm struct {
	needle string // " term " for word-boundary matching
	weight float64
}

// keywordEntry is the compiled keyword table of one intent.
type keywordEntry struct {
	intent Intent
	terms  []weightedTerm
	scale  float64
}

// KeywordStage scores a query against each intent's weighted keyword table.
//
// Description:
//
//	For each intent, sums primary (+2.0), secondary (+0.5), category and
//	topic (+1.0) and named-item (+1.5) hits, then multiplies by the intent
//	weight. Each keyword counts at most once. Multi-word keywords match as
//	whole phrases. The best intent wins; ties go to the earlier intent.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type KeywordStage struct {
	entries    []keywordEntry
	activation float64
}

// NewKeywordStage compiles the keyword tables of every intent.
//
// Inputs:
//
//	cat - Intent catalog. Must not be nil.
//	activation - Confidence floor; results at or below it are discarded.
func NewKeywordStage(cat *Catalog, activation float64) *KeywordStage {
	s := &KeywordStage{activation: activation}
	for _, intent := range cat.Intents() {
		rule, _ := cat.Rule(intent)
		s.entries = append(s.entries, compileKeywords(intent, rule.Keywords))
	}
	return s
}

func compileKeywords(intent Intent, ks config.KeywordSet) keywordEntry {
	e := keywordEntry{intent: intent, scale: ks.Weight}
	if e.scale <= 0 {
		e.scale = config.DefaultKeywordWeight
	}
	seen := make(map[string]bool)
	add := func(words []string, w float64) {
		for _, kw := range words {
			norm := normalizeForMatch(kw)
			if strings.TrimSpace(norm) == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			e.terms = append(e.terms, weightedTerm{needle: norm, weight: w})
		}
	}
	add(ks.Primary, weightPrimary)
	add(ks.Secondary, weightSecondary)
	add(ks.Categories, weightCategory)
	add(ks.Topics, weightTopic)
	add(ks.Items, weightItem)
	return e
}

// Scores returns the weighted score of every intent in declaration order.
func (s *KeywordStage) Scores(query string) []IntentScore {
	norm := normalizeForMatch(query)
	out := make([]IntentScore, len(s.entries))
	for i, e := range s.entries {
		var sum float64
		for _, t := range e.terms {
			if strings.Contains(norm, t.needle) {
				sum += t.weight
			}
		}
		out[i] = IntentScore{Intent: e.intent, Score: sum * e.scale}
	}
	return out
}

// Analyze returns the best-scoring intent, or nil when its normalized
// confidence does not exceed the activation floor.
//
// Outputs:
//
//	*KeywordResult - Winner, confidence min(score/3, 1), and the full score vector.
func (s *KeywordStage) Analyze(query string) *KeywordResult {
	if strings.TrimSpace(query) == "" || len(s.entries) == 0 {
		return nil
	}

	scores := s.Scores(query)
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i].Score > scores[best].Score {
			best = i
		}
	}

	conf := KeywordConfidence(scores[best].Score)
	if conf <= s.activation {
		return nil
	}
	return &KeywordResult{
		Intent:     scores[best].Intent,
		Confidence: conf,
		Score:      scores[best].Score,
		Scores:     scores,
	}
}

// KeywordConfidence normalizes a raw keyword score to [0, 1].
func KeywordConfidence(score float64) float64 {
	return math.Min(score/keywordScoreScale, 1.0)
}
