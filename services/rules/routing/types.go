// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing classifies free-form rules questions into a closed set of
// intents through a four-stage cascade: regex patterns, weighted keywords,
// example-embedding similarity and a generative-model fallback.
package routing

import (
	"github.com/AleutianAI/AleutianRules/services/rules/config"
)

// =============================================================================
// Intents and Methods
// =============================================================================

// Intent is an enumerated query category (e.g. SPELL_LOOKUP).
//
// The closed set of valid intents is defined by the routing configuration.
// The named constants below are the intents the host treats specially.
type Intent string

const (
	IntentUnknown         Intent = "UNKNOWN"
	IntentGearComparison  Intent = "GEAR_COMPARISON"
	IntentSpellLookup     Intent = "SPELL_LOOKUP"
	IntentTotemLookup     Intent = "TOTEM_LOOKUP"
	IntentCyberwareLookup Intent = "CYBERWARE_LOOKUP"
	IntentGearLookup      Intent = "GEAR_LOOKUP"
	IntentSkillLookup     Intent = "SKILL_LOOKUP"
	IntentMetatypeLookup  Intent = "METATYPE_LOOKUP"
	IntentListQuery       Intent = "LIST_QUERY"
	IntentDiceRoll        Intent = "DICE_ROLL"
	IntentRulesQuestion   Intent = "RULES_QUESTION"
)

// Method names the stage that produced a Classification.
type Method string

const (
	MethodPattern   Method = "pattern"
	MethodKeyword   Method = "keyword"
	MethodEmbedding Method = "embedding"
	MethodLLM       Method = "llm"

	// MethodFallback marks the synthetic default produced when every stage
	// declined or the fallback provider failed.
	MethodFallback Method = "fallback"
)

// Data sources a classification can be routed to.
const (
	SourceStructured = "structured"
	SourceRulesText  = "rules_text"
	SourceDice       = "dice"
)

// =============================================================================
// Classification
// =============================================================================

// Classification is the canonical output of the cascade.
//
// Confidence is always populated and Method is always one of the Method
// constants. Consumers must pass a classification through the clarification
// decision before routing it downstream when Unresolved reports true.
type Classification struct {
	Intent      Intent   `json:"intent"`
	Confidence  float64  `json:"confidence"`
	Method      Method   `json:"method"`
	DataSources []string `json:"data_sources"`

	// Routing hints.
	Tables         []string          `json:"tables,omitempty"`
	EntityName     string            `json:"entity_name,omitempty"`
	SortBy         string            `json:"sort_by,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	SearchTerms    []string          `json:"search_terms,omitempty"`
	Captures       []string          `json:"captures,omitempty"`
	MatchedPattern string            `json:"matched_pattern,omitempty"`

	// Reason is a short human-readable explanation of how the intent was chosen.
	Reason string `json:"reason,omitempty"`

	// Error carries the failure message on the synthetic default.
	Error string `json:"error,omitempty"`
}

// Unresolved reports whether the classification has no usable intent.
func (c Classification) Unresolved() bool {
	return c.Intent == "" || c.Intent == IntentUnknown
}

// =============================================================================
// Stage Results
// =============================================================================

// StageResult is the uniform view the cascade has of every stage's output.
type StageResult interface {
	StageIntent() Intent
	StageConfidence() float64
}

// PatternMatch is the pattern stage result.
type PatternMatch struct {
	Intent     Intent
	Confidence float64
	Captures   []string
	Pattern    string

	// Learned is true when the match came from the learned pattern source.
	Learned bool
}

func (m *PatternMatch) StageIntent() Intent      { return m.Intent }
func (m *PatternMatch) StageConfidence() float64 { return m.Confidence }

// IntentScore is one entry of a keyword score vector.
type IntentScore struct {
	Intent Intent  `json:"intent"`
	Score  float64 `json:"score"`
}

// KeywordResult is the keyword stage result.
type KeywordResult struct {
	Intent     Intent
	Confidence float64
	Score      float64

	// Scores is the full score vector in intent declaration order.
	Scores []IntentScore
}

func (r *KeywordResult) StageIntent() Intent      { return r.Intent }
func (r *KeywordResult) StageConfidence() float64 { return r.Confidence }

// EmbeddingResult is the embedding stage result.
type EmbeddingResult struct {
	Intent     Intent
	Confidence float64

	// Similarities holds the best similarity per intent.
	Similarities map[Intent]float64

	// NearestExample is the corpus example closest to the query.
	NearestExample string
}

func (r *EmbeddingResult) StageIntent() Intent      { return r.Intent }
func (r *EmbeddingResult) StageConfidence() float64 { return r.Confidence }

// FallbackResult is the generative fallback stage result.
type FallbackResult struct {
	Intent     Intent
	Confidence float64
	Raw        string
}

func (r *FallbackResult) StageIntent() Intent      { return r.Intent }
func (r *FallbackResult) StageConfidence() float64 { return r.Confidence }

// =============================================================================
// Catalog
// =============================================================================

// route holds the canonical routing fields for one intent.
type route struct {
	tables  []string
	sources []string
	sortBy  string
}

// Catalog is the closed intent set plus the canonical route of each intent.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Catalog struct {
	cfg     *config.RoutingConfig
	order   []Intent
	rules   map[Intent]config.IntentRule
	routes  map[Intent]route
	deflt   Intent
	entityI []Intent
}

// NewCatalog builds a Catalog from a validated routing configuration.
func NewCatalog(cfg *config.RoutingConfig) *Catalog {
	c := &Catalog{
		cfg:    cfg,
		order:  make([]Intent, 0, len(cfg.Intents)),
		rules:  make(map[Intent]config.IntentRule, len(cfg.Intents)),
		routes: make(map[Intent]route, len(cfg.Intents)),
		deflt:  Intent(cfg.DefaultIntent),
	}
	for _, in := range cfg.Intents {
		name := Intent(in.Name)
		c.order = append(c.order, name)
		c.rules[name] = in
		c.routes[name] = route{tables: in.Tables, sources: in.DataSources, sortBy: in.SortBy}
		if in.EntityLookup {
			c.entityI = append(c.entityI, name)
		}
	}
	return c
}

// Config returns the routing configuration the catalog was built from.
func (c *Catalog) Config() *config.RoutingConfig { return c.cfg }

// Intents returns the intents in declaration order.
func (c *Catalog) Intents() []Intent {
	out := make([]Intent, len(c.order))
	copy(out, c.order)
	return out
}

// EntityIntents returns the intents that resolve a single named entity.
func (c *Catalog) EntityIntents() []Intent {
	out := make([]Intent, len(c.entityI))
	copy(out, c.entityI)
	return out
}

// Known reports whether intent is in the closed set.
func (c *Catalog) Known(intent Intent) bool {
	_, ok := c.rules[intent]
	return ok
}

// Rule returns the configuration for an intent.
func (c *Catalog) Rule(intent Intent) (config.IntentRule, bool) {
	r, ok := c.rules[intent]
	return r, ok
}

// DefaultIntent is the intent of the synthetic low-confidence default.
func (c *Catalog) DefaultIntent() Intent { return c.deflt }

// Normalize turns a stage result into a canonical Classification.
//
// Description:
//
//	Pattern results carry their capture groups, with the first capture as
//	the entity hint. Keyword, embedding and llm results carry the entity
//	name extracted from the query instead. Intents routed to rules text get
//	the query's significant tokens as search terms.
func (c *Catalog) Normalize(query string, method Method, res StageResult) Classification {
	intent := res.StageIntent()
	rt := c.routes[intent]

	cls := Classification{
		Intent:      intent,
		Confidence:  clamp01(res.StageConfidence()),
		Method:      method,
		DataSources: copyStrings(rt.sources),
		Tables:      copyStrings(rt.tables),
		SortBy:      rt.sortBy,
	}

	switch r := res.(type) {
	case *PatternMatch:
		cls.Captures = copyStrings(r.Captures)
		cls.MatchedPattern = r.Pattern
		if len(r.Captures) > 0 {
			cls.EntityName = r.Captures[0]
		}
		if intent == IntentGearComparison && len(r.Captures) >= 2 {
			cls.Filters = map[string]string{"compare_a": r.Captures[0], "compare_b": r.Captures[1]}
		}
		if intent == IntentDiceRoll && len(r.Captures) > 0 {
			cls.Filters = map[string]string{"pool": r.Captures[0]}
			cls.EntityName = ""
		}
		cls.Reason = "matched pattern"
		if r.Learned {
			cls.Reason = "matched learned pattern"
		}
	case *KeywordResult:
		cls.EntityName = ExtractItemName(query)
		cls.Reason = "keyword score"
	case *EmbeddingResult:
		cls.EntityName = ExtractItemName(query)
		cls.Reason = "nearest example: " + r.NearestExample
	case *FallbackResult:
		cls.EntityName = ExtractItemName(query)
		cls.Reason = "generative classification"
	}

	if containsString(rt.sources, SourceRulesText) {
		cls.SearchTerms = SignificantTokens(query)
	}
	return cls
}

// Default builds the synthetic low-confidence classification returned when
// the cascade cannot produce a result. It routes to rules text search.
func (c *Catalog) Default(query string, errMsg string) Classification {
	return Classification{
		Intent:      c.deflt,
		Confidence:  defaultConfidence,
		Method:      MethodFallback,
		DataSources: []string{SourceRulesText},
		SearchTerms: SignificantTokens(query),
		Reason:      "no stage produced an accepted classification",
		Error:       errMsg,
	}
}

// defaultConfidence is the confidence of the synthetic default. It is below
// every acceptance and clarification threshold.
const defaultConfidence = 0.1

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
