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
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

// Kind is the shape of a clarification request.
type Kind string

const (
	KindDisambiguation Kind = "disambiguation"
	KindContextRequest Kind = "context_request"
	KindRephrase       Kind = "rephrase"
	KindMultipleChoice Kind = "multiple_choice"
)

// Option is one candidate interpretation offered to the user.
type Option struct {
	Intent         routing.Intent         `json:"intent"`
	Label          string                 `json:"label"`
	Description    string                 `json:"description,omitempty"`
	Example        string                 `json:"example,omitempty"`
	Confidence     float64                `json:"confidence"`
	Classification routing.Classification `json:"classification"`
}

// Request is a structured clarification prompt.
type Request struct {
	Query     string        `json:"query"`
	Ambiguity AmbiguityType `json:"ambiguity"`
	Kind      Kind          `json:"kind"`
	Prompt    string        `json:"prompt"`

	// Options are ranked best first. Set for disambiguation and
	// multiple_choice.
	Options []Option `json:"options,omitempty"`

	// Suggestions are free-text hints. Set for context_request.
	Suggestions []string `json:"suggestions,omitempty"`

	// BestGuess is the single best interpretation. Set for context_request.
	BestGuess *Option `json:"best_guess,omitempty"`

	// Examples show one query per intent. Set for rephrase.
	Examples []Option `json:"examples,omitempty"`
}

// GenerateClarification builds the clarification request for a query.
//
// # Description
//
// Detects the ambiguity type and dispatches to its generator:
// INTENT_AMBIGUOUS and ENTITY_AMBIGUOUS build a ranked disambiguation,
// CONTEXT_NEEDED asks for more context around the best guess, TOO_VAGUE
// asks for a rephrase with an example per intent, and GENERIC offers a
// multiple choice. A generator that cannot produce options falls back to
// the rephrase request.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - query: The user query.
//   - best: The cascade's classification.
//   - alternatives: Runner-up classifications, best first.
//
// # Outputs
//
//   - Request: Never empty; at worst a rephrase request.
func (e *Engine) GenerateClarification(ctx context.Context, query string, best routing.Classification, alternatives []routing.Classification) Request {
	_, span := clarifyTracer.Start(ctx, "clarify.Engine.GenerateClarification")
	defer span.End()

	amb := e.DetectAmbiguityType(query, best, alternatives)

	var req Request
	switch amb {
	case EntityAmbiguous:
		req = e.entityDisambiguation(query, best, alternatives)
	case IntentAmbiguous:
		req = e.disambiguation(query, best, alternatives, KindDisambiguation)
	case ContextNeeded:
		req = e.contextRequest(query, best, alternatives)
	case TooVague:
		req = e.rephrase(query)
	default:
		req = e.disambiguation(query, best, alternatives, KindMultipleChoice)
	}
	req.Query = query
	req.Ambiguity = amb

	clarificationTotal.WithLabelValues(string(amb)).Inc()
	span.SetAttributes(
		attribute.String("ambiguity", string(amb)),
		attribute.String("kind", string(req.Kind)),
		attribute.Int("options", len(req.Options)),
	)
	return req
}

// disambiguation ranks best and alternatives into a multiple-choice list.
func (e *Engine) disambiguation(query string, best routing.Classification, alternatives []routing.Classification, kind Kind) Request {
	opts := e.rank(append([]routing.Classification{best}, alternatives...))
	if len(opts) < 2 {
		return e.rephrase(query)
	}
	prompt := fmt.Sprintf("I can read %q a few ways. Which did you mean?", query)
	if kind == KindMultipleChoice {
		prompt = fmt.Sprintf("Pick what fits %q best, or rephrase the question.", query)
	}
	return Request{Kind: kind, Prompt: prompt, Options: opts}
}

// entityDisambiguation treats the query as a bare entity name and offers
// every entity lookup, ranked by keyword evidence.
func (e *Engine) entityDisambiguation(query string, best routing.Classification, alternatives []routing.Classification) Request {
	cands := append([]routing.Classification{best}, alternatives...)

	scores := make(map[routing.Intent]float64)
	if e.keyword != nil {
		for _, s := range e.keyword.Scores(query) {
			scores[s.Intent] = routing.KeywordConfidence(s.Score)
		}
	}
	for _, intent := range e.cat.EntityIntents() {
		cands = append(cands, e.cat.Normalize(query, routing.MethodKeyword,
			&routing.KeywordResult{Intent: intent, Confidence: scores[intent]}))
	}

	opts := e.rank(cands)
	if len(opts) < 2 {
		return e.rephrase(query)
	}
	name := routing.ExtractItemName(query)
	if name == "" {
		name = query
	}
	return Request{
		Kind:    KindDisambiguation,
		Prompt:  fmt.Sprintf("%q could be several things. What are you looking for?", name),
		Options: opts,
	}
}

// contextRequest asks for more detail and shows the best guess.
func (e *Engine) contextRequest(query string, best routing.Classification, alternatives []routing.Classification) Request {
	ranked := e.rank(append([]routing.Classification{best}, alternatives...))
	if len(ranked) == 0 {
		return e.rephrase(query)
	}
	guess := ranked[0]

	var sugg []string
	seen := make(map[string]bool)
	for _, o := range ranked {
		if len(sugg) >= e.cfg.MaxSuggestions {
			break
		}
		if o.Example == "" || seen[o.Example] {
			continue
		}
		seen[o.Example] = true
		sugg = append(sugg, fmt.Sprintf("Try something like %q", o.Example))
	}
	if len(sugg) < e.cfg.MaxSuggestions {
		sugg = append(sugg, "Name the specific spell, item, totem or rule you mean")
	}

	return Request{
		Kind:        KindContextRequest,
		Prompt:      fmt.Sprintf("My best guess is %s. Can you add a bit more detail?", guess.Label),
		Suggestions: sugg,
		BestGuess:   &guess,
	}
}

// rephrase invites a new wording and shows one example per intent.
func (e *Engine) rephrase(query string) Request {
	examples := make([]Option, 0, len(e.cat.Intents()))
	for _, intent := range e.cat.Intents() {
		o := e.option(routing.Classification{Intent: intent, Method: routing.MethodFallback})
		if o.Example != "" {
			examples = append(examples, o)
		}
	}
	return Request{
		Kind:     KindRephrase,
		Prompt:   "I am not sure what you are asking. Could you rephrase it? Here are some things I can answer:",
		Examples: examples,
	}
}

// rank deduplicates candidates by intent keeping the highest confidence,
// drops unknown intents, sorts best first with declaration order breaking
// ties, and caps the list at one best guess plus MaxOptions alternatives.
func (e *Engine) rank(cands []routing.Classification) []Option {
	best := make(map[routing.Intent]routing.Classification)
	for _, c := range cands {
		if c.Unresolved() || !e.cat.Known(c.Intent) {
			continue
		}
		if cur, ok := best[c.Intent]; ok && cur.Confidence >= c.Confidence {
			continue
		}
		best[c.Intent] = c
	}

	order := make(map[routing.Intent]int)
	for i, in := range e.cat.Intents() {
		order[in] = i
	}
	out := make([]Option, 0, len(best))
	for _, c := range best {
		out = append(out, e.option(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return order[out[i].Intent] < order[out[j].Intent]
	})
	if limit := e.cfg.MaxOptions + 1; len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) option(c routing.Classification) Option {
	rule, _ := e.cat.Rule(c.Intent)
	label := rule.Label
	if label == "" {
		label = string(c.Intent)
	}
	return Option{
		Intent:         c.Intent,
		Label:          label,
		Description:    rule.Description,
		Example:        rule.Example,
		Confidence:     c.Confidence,
		Classification: c,
	}
}
