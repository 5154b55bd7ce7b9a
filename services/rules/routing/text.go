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
	"strings"
	"unicode"
	"unicode/utf8"
)

// =============================================================================
// Tokenization
// =============================================================================

// stopWords are excluded from significant tokens, learned keywords and
// learned phrases.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"do": true, "does": true, "did": true, "can": true, "could": true, "would": true,
	"should": true, "will": true, "shall": true, "may": true, "might": true, "must": true,
	"what": true, "which": true, "who": true, "whom": true, "whose": true, "when": true,
	"where": true, "why": true, "how": true, "much": true, "many": true,
	"i": true, "me": true, "my": true, "you": true, "your": true, "we": true, "our": true,
	"it": true, "its": true, "this": true, "that": true, "these": true, "those": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true, "from": true,
	"with": true, "by": true, "about": true, "as": true, "into": true, "than": true,
	"if": true, "then": true, "there": true, "here": true, "have": true, "has": true,
	"had": true, "not": true, "no": true, "any": true, "some": true, "all": true,
	"tell": true, "show": true, "give": true, "get": true, "please": true, "know": true,
}

// leadingFiller are words stripped from the front of a query before the
// entity name heuristic looks at the tail.
var leadingFiller = map[string]bool{
	"what": true, "whats": true, "what's": true, "which": true, "who": true, "how": true,
	"is": true, "are": true, "does": true, "do": true, "much": true, "many": true,
	"tell": true, "me": true, "about": true, "show": true, "give": true, "find": true,
	"look": true, "up": true, "lookup": true, "describe": true, "explain": true,
	"the": true, "a": true, "an": true, "please": true, "can": true, "you": true,
	"i": true, "get": true, "info": true, "on": true,
}

// IsStopWord reports whether a lowercased token is a stop word.
func IsStopWord(tok string) bool {
	return stopWords[tok]
}

// Tokenize lowercases the query and splits it into word tokens. Letters,
// digits, hyphens and apostrophes are kept inside tokens.
func Tokenize(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), isTokenSeparator)
}

func isTokenSeparator(r rune) bool {
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '\'')
}

// SignificantTokens returns the lowercased tokens longer than two
// characters that are not stop words.
func SignificantTokens(query string) []string {
	toks := Tokenize(query)
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		if len(t) > 2 && !stopWords[t] {
			out = append(out, t)
		}
	}
	return out
}

// normalizeForMatch joins tokens with single spaces and pads both ends so
// keyword phrases can be matched on word boundaries with strings.Contains.
func normalizeForMatch(query string) string {
	return " " + strings.Join(Tokenize(query), " ") + " "
}

// ExtractItemName guesses the entity a query is about.
//
// Description:
//
//	Strips leading interrogative and verb words, then returns the last one
//	to three remaining words in their original case, without leading stop
//	words. Returns "" when nothing remains.
//
// Examples:
//
//	"what is the damage of the Ares Predator?" -> "Ares Predator"
//	"tell me about Fireball"                   -> "Fireball"
func ExtractItemName(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == '?' || r == '!' || r == ',' || r == ';' || r == ':'
	})
	for i := range words {
		words[i] = strings.Trim(words[i], `."'()[]`)
	}

	start := 0
	for start < len(words) && (words[start] == "" || leadingFiller[strings.ToLower(words[start])]) {
		start++
	}
	rest := make([]string, 0, len(words)-start)
	for _, w := range words[start:] {
		if w != "" {
			rest = append(rest, w)
		}
	}
	if len(rest) == 0 {
		return ""
	}

	from := len(rest) - 3
	if from < 0 {
		from = 0
	}
	tail := rest[from:]
	for len(tail) > 1 && stopWords[strings.ToLower(tail[0])] {
		tail = tail[1:]
	}
	if len(tail) == 1 && stopWords[strings.ToLower(tail[0])] {
		return ""
	}
	return strings.Join(tail, " ")
}

// TruncateForLog shortens s to at most maxLen bytes for log and span
// attributes. The cut never splits a multi-byte rune.
func TruncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:runeBoundary(s, maxLen)]
	}
	return s[:runeBoundary(s, maxLen-3)] + "..."
}

// runeBoundary returns the largest index not above n that starts a rune.
func runeBoundary(s string, n int) int {
	if n <= 0 {
		return 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
