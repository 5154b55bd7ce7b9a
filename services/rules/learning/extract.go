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
	"strings"

	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

// Pattern is one candidate pattern mined from a query.
type Pattern struct {
	// Text is the phrase, keyword or regex template source.
	Text string `json:"text"`

	// Type is routing.LearnedTypeKeyword, LearnedTypePhrase or LearnedTypeRegex.
	Type string `json:"type"`

	// Confidence is the default weight of the pattern type.
	Confidence float64 `json:"confidence"`
}

// Default confidences per pattern type.
const (
	PhraseConfidence  = 0.6
	KeywordConfidence = 0.5
)

// Keywords must be longer than minKeywordLen characters.
const minKeywordLen = 3

type template struct {
	re         *regexp.Regexp
	confidence float64
}

// templates are the fixed regex templates. Their source text is what gets
// stored, so a verified template can be compiled back by the pattern stage.
var templates = []template{
	{regexp.MustCompile(`(?i)\bhow\s+does\s+(.+?)\s+work\b`), 0.75},
	{regexp.MustCompile(`(?i)\bwhat\s+is\s+(.+)`), 0.65},
	{regexp.MustCompile(`(?i)\blist\s+all\s+(.+)`), 0.85},
	{regexp.MustCompile(`(?i)\bcompare\s+(.+?)\s+and\s+(.+)`), 0.90},
	{regexp.MustCompile(`(?i)\bbest\s+(.+?)\s+for\s+(.+)`), 0.80},
}

// ExtractPatterns mines candidate patterns from a resolved query.
//
// # Description
//
// Produces, in this order and without duplicates:
//   - every bigram and trigram of the lowercased tokens, skipping windows
//     made only of stop words (phrase, 0.6);
//   - every token longer than three characters that is not a stop word
//     (keyword, 0.5);
//   - every fixed template the query matches (regex, 0.65 to 0.90).
//
// The result is deterministic for a given query.
func ExtractPatterns(query string) []Pattern {
	toks := routing.Tokenize(query)
	seen := make(map[string]bool)
	var out []Pattern
	add := func(p Pattern) {
		key := p.Type + "\x00" + p.Text
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, p)
	}

	for _, n := range []int{2, 3} {
		for i := 0; i+n <= len(toks); i++ {
			window := toks[i : i+n]
			if allStopWords(window) {
				continue
			}
			add(Pattern{Text: strings.Join(window, " "), Type: routing.LearnedTypePhrase, Confidence: PhraseConfidence})
		}
	}

	for _, t := range toks {
		if len(t) > minKeywordLen && !routing.IsStopWord(t) {
			add(Pattern{Text: t, Type: routing.LearnedTypeKeyword, Confidence: KeywordConfidence})
		}
	}

	for _, tpl := range templates {
		if tpl.re.MatchString(query) {
			add(Pattern{Text: tpl.re.String(), Type: routing.LearnedTypeRegex, Confidence: tpl.confidence})
		}
	}
	return out
}

func allStopWords(toks []string) bool {
	for _, t := range toks {
		if !routing.IsStopWord(t) {
			return false
		}
	}
	return true
}
