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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
)

// =============================================================================
// Learned Pattern Source
// =============================================================================

// Learned pattern types. They mirror the pattern types the learning engine
// writes.
const (
	LearnedTypeKeyword = "keyword"
	LearnedTypePhrase  = "phrase"
	LearnedTypeRegex   = "regex"
)

// LearnedRule is a learned pattern offered to the pattern stage.
type LearnedRule struct {
	Text   string
	Type   string
	Intent Intent
}

// LearnedPatternSource supplies verified, active learned patterns.
//
// # Description
//
// Implemented by the learning engine's store. Only consulted when the stage
// runs with the before_rules policy. Under review_only the stage never
// calls it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type LearnedPatternSource interface {
	VerifiedRules(ctx context.Context) ([]LearnedRule, error)
}

// =============================================================================
// PatternStage
// =============================================================================

// compiledRule holds a pattern string alongside its compiled regex.
type compiledRule struct {
	intent  Intent
	raw     string
	regex   *regexp.Regexp
	learned bool
}

// PatternStage maps a query to an intent with fixed confidence using an
// ordered list of regular expressions.
//
// # Description
//
// Intents are tried in declaration order and, within an intent, patterns in
// file order. The first pattern matching anywhere in the query wins. Matching
// is pure: identical input yields identical output.
//
// Learned patterns are held as an immutable snapshot swapped atomically by
// RefreshLearned, so Match never performs I/O.
//
// # Thread Safety
//
// Safe for concurrent use.
type PatternStage struct {
	rules      []compiledRule
	confidence float64
	policy     string
	source     LearnedPatternSource
	learned    atomic.Pointer[[]compiledRule]
	logger     *slog.Logger
}

// PatternStageOption configures a PatternStage.
type PatternStageOption func(*PatternStage)

// WithLearnedSource attaches a learned pattern source and the policy that
// governs it (config.PolicyReviewOnly or config.PolicyBeforeRules).
func WithLearnedSource(src LearnedPatternSource, policy string) PatternStageOption {
	return func(s *PatternStage) {
		s.source = src
		s.policy = policy
	}
}

// WithPatternLogger sets the stage logger.
func WithPatternLogger(l *slog.Logger) PatternStageOption {
	return func(s *PatternStage) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewPatternStage compiles every intent's patterns.
//
// # Inputs
//
//   - cat: Intent catalog. Must not be nil.
//   - confidence: Fixed confidence reported for every match (0.9).
//   - opts: Optional learned source and logger.
//
// # Outputs
//
//   - *PatternStage: Ready-to-use stage.
//   - error: Non-nil if any pattern fails to compile.
func NewPatternStage(cat *Catalog, confidence float64, opts ...PatternStageOption) (*PatternStage, error) {
	s := &PatternStage{
		confidence: confidence,
		policy:     config.PolicyReviewOnly,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	for _, intent := range cat.Intents() {
		rule, _ := cat.Rule(intent)
		for _, p := range rule.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("pattern stage: intent %s: %w", intent, err)
			}
			s.rules = append(s.rules, compiledRule{intent: intent, raw: p, regex: re})
		}
	}

	empty := []compiledRule{}
	s.learned.Store(&empty)
	return s, nil
}

// Match returns the first matching rule's intent and captures, or nil.
//
// # Inputs
//
//   - query: The raw user query. Empty or blank queries never match.
//
// # Outputs
//
//   - *PatternMatch: The match, or nil when nothing matched.
func (s *PatternStage) Match(query string) *PatternMatch {
	if strings.TrimSpace(query) == "" {
		return nil
	}

	if s.policy == config.PolicyBeforeRules {
		if m := s.matchIn(*s.learned.Load(), query); m != nil {
			return m
		}
	}
	return s.matchIn(s.rules, query)
}

func (s *PatternStage) matchIn(rules []compiledRule, query string) *PatternMatch {
	for _, r := range rules {
		sub := r.regex.FindStringSubmatch(query)
		if sub == nil {
			continue
		}
		caps := make([]string, 0, len(sub)-1)
		for _, c := range sub[1:] {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
		return &PatternMatch{
			Intent:     r.intent,
			Confidence: s.confidence,
			Captures:   caps,
			Pattern:    r.raw,
			Learned:    r.learned,
		}
	}
	return nil
}

// RefreshLearned reloads the learned rule snapshot from the source.
//
// # Description
//
// A no-op under the review_only policy or when no source is attached.
// Learned rules whose intent is unknown or whose text does not compile are
// skipped with a warning. On source failure the previous snapshot is kept.
//
// # Outputs
//
//   - int: Number of learned rules in the new snapshot.
//   - error: Non-nil if the source failed.
func (s *PatternStage) RefreshLearned(ctx context.Context, cat *Catalog) (int, error) {
	if s.source == nil || s.policy != config.PolicyBeforeRules {
		return 0, nil
	}

	learned, err := s.source.VerifiedRules(ctx)
	if err != nil {
		return len(*s.learned.Load()), fmt.Errorf("refresh learned patterns: %w", err)
	}

	next := make([]compiledRule, 0, len(learned))
	for _, lr := range learned {
		if !cat.Known(lr.Intent) {
			s.logger.Warn("pattern stage: skipping learned rule for unknown intent",
				slog.String("intent", string(lr.Intent)),
				slog.String("text", TruncateForLog(lr.Text, 60)),
			)
			continue
		}
		expr := learnedExpression(lr)
		re, err := regexp.Compile(expr)
		if err != nil {
			s.logger.Warn("pattern stage: skipping uncompilable learned rule",
				slog.String("text", TruncateForLog(lr.Text, 60)),
				slog.String("error", err.Error()),
			)
			continue
		}
		next = append(next, compiledRule{intent: lr.Intent, raw: lr.Text, regex: re, learned: true})
	}

	s.learned.Store(&next)
	patternLearnedRules.Set(float64(len(next)))
	s.logger.Info("pattern stage: learned rules refreshed", slog.Int("count", len(next)))
	return len(next), nil
}

// learnedExpression turns a learned rule into a regex. Regex templates are
// used verbatim; keywords and phrases match case-insensitively on word
// boundaries.
func learnedExpression(lr LearnedRule) string {
	if lr.Type == LearnedTypeRegex {
		if strings.HasPrefix(lr.Text, "(?i)") {
			return lr.Text
		}
		return "(?i)" + lr.Text
	}
	return `(?i)\b` + regexp.QuoteMeta(lr.Text) + `\b`
}

// Policy returns the learned-pattern policy in effect.
func (s *PatternStage) Policy() string { return s.policy }
