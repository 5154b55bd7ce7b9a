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
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

// AmbiguityType is the kind of ambiguity a clarification addresses.
type AmbiguityType string

const (
	// EntityAmbiguous is a bare name that several lookups could own.
	EntityAmbiguous AmbiguityType = "ENTITY_AMBIGUOUS"

	// IntentAmbiguous means several intents scored well.
	IntentAmbiguous AmbiguityType = "INTENT_AMBIGUOUS"

	// ContextNeeded means the best guess is weak.
	ContextNeeded AmbiguityType = "CONTEXT_NEEDED"

	// TooVague means the query has too little content to route.
	TooVague AmbiguityType = "TOO_VAGUE"

	// Generic means no more specific ambiguity type applies.
	Generic AmbiguityType = "GENERIC"
)

// NeedsClarification reports whether a classification should go through
// clarification before it is used.
//
// # Description
//
// True when the confidence is below the clarification floor, when more
// than one table or data source is implicated, or when the intent is
// absent or unknown. The check is advisory; callers decide whether to act
// on it. For a fixed set of tables and sources it is monotonic in
// confidence.
func (e *Engine) NeedsClarification(c routing.Classification) bool {
	if c.Unresolved() || !e.cat.Known(c.Intent) {
		return true
	}
	if c.Confidence < e.clarifyBelow {
		return true
	}
	return len(c.Tables) > 1 || len(c.DataSources) > 1
}

// DetectAmbiguityType classifies what kind of clarification a query needs.
//
// # Description
//
// Rules, applied in order:
//  1. exactly one significant token: ENTITY_AMBIGUOUS
//  2. two or fewer significant tokens: TOO_VAGUE
//  3. two or more alternatives above the clarification floor: INTENT_AMBIGUOUS
//  4. best confidence below the floor: CONTEXT_NEEDED
//  5. otherwise GENERIC
//
// Significant tokens are lowercased, longer than two characters and not
// stop words.
func (e *Engine) DetectAmbiguityType(query string, best routing.Classification, alternatives []routing.Classification) AmbiguityType {
	n := len(routing.SignificantTokens(query))
	switch {
	case n == 1:
		return EntityAmbiguous
	case n <= 2:
		return TooVague
	}

	strong := 0
	for _, a := range alternatives {
		if a.Confidence > e.clarifyBelow {
			strong++
		}
	}
	if strong >= 2 {
		return IntentAmbiguous
	}
	if best.Confidence < e.clarifyBelow {
		return ContextNeeded
	}
	return Generic
}
