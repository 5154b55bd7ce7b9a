// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"github.com/AleutianAI/AleutianRules/services/rules/clarify"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

// =============================================================================
// Requests
// =============================================================================

// ClassifyRequest is the body of POST /v1/rules/classify.
type ClassifyRequest struct {
	// Query is the user's question.
	Query string `json:"query" binding:"required,max=2000"`

	// History holds prior conversation turns, oldest first. Only the
	// generative fallback reads it.
	History []string `json:"history,omitempty" binding:"omitempty,max=20,dive,max=2000"`
}

// ClarifyRequest is the body of POST /v1/rules/clarify.
type ClarifyRequest struct {
	Query string `json:"query" binding:"required,max=2000"`
}

// RecordClarificationRequest is the body of POST /v1/rules/clarifications.
type RecordClarificationRequest struct {
	Query string `json:"query" binding:"required,max=2000"`

	// Original is the classification the clarification was raised for.
	Original routing.Classification `json:"original"`

	// Options are the intents presented to the user, in display order.
	Options []routing.Intent `json:"options" binding:"required,min=1,max=10"`

	// Selected is set when the user already picked an option.
	Selected string `json:"selected,omitempty"`
}

// FeedbackRequest is the body of POST /v1/rules/clarifications/:id/feedback.
type FeedbackRequest struct {
	// Selection is what the user chose: an option number, an intent name
	// or free text.
	Selection string `json:"selection" binding:"required_without=ResolvedIntent,max=500"`

	// ResolvedIntent overrides the selection when the host already knows
	// the intent.
	ResolvedIntent routing.Intent `json:"resolved_intent,omitempty"`
}

// PatternQuery holds the query parameters of GET /v1/rules/patterns.
type PatternQuery struct {
	Intent   string `form:"intent"`
	Active   bool   `form:"active"`
	Verified bool   `form:"verified"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// StatsQuery holds the query parameters of GET /v1/rules/stats.
type StatsQuery struct {
	Days int `form:"days" binding:"omitempty,min=1,max=365"`
}

// =============================================================================
// Responses
// =============================================================================

// ClassifyResult is a classification plus what the host should do next.
type ClassifyResult struct {
	routing.Outcome

	// NeedsClarification is true when the classification should not be
	// routed downstream without asking the user first.
	NeedsClarification bool `json:"needs_clarification"`

	// Clarification is the generated request when NeedsClarification is set.
	Clarification *clarify.Request `json:"clarification,omitempty"`

	// InteractionID identifies the recorded clarification. Empty when none
	// was recorded.
	InteractionID string `json:"interaction_id,omitempty"`
}

// ClarifyResult is an explicitly requested clarification.
type ClarifyResult struct {
	Classification routing.Classification `json:"classification"`
	Request        clarify.Request        `json:"request"`
	InteractionID  string                 `json:"interaction_id,omitempty"`
}

// RecordClarificationResponse is returned by POST /v1/rules/clarifications.
type RecordClarificationResponse struct {
	InteractionID string `json:"interaction_id"`
	Recorded      bool   `json:"recorded"`
}

// StatsResult combines the cascade counters with the persisted daily
// clarification metrics.
type StatsResult struct {
	Cascade        routing.StatsSnapshot    `json:"cascade"`
	Performance    []store.DailyPerformance `json:"performance"`
	CachedVectors  int                      `json:"cached_vectors"`
	EmbeddingReady bool                     `json:"embedding_ready"`
}

// SweepResult is returned by POST /v1/rules/patterns/sweep.
type SweepResult struct {
	Deactivated  int64 `json:"deactivated"`
	LearnedRules int   `json:"learned_rules"`
}

// PatternsResponse is returned by GET /v1/rules/patterns.
type PatternsResponse struct {
	Patterns []store.LearnedPattern `json:"patterns"`
	Count    int                    `json:"count"`
}

// HealthResponse is returned by the health and readiness probes.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Store   string `json:"store,omitempty"`
	Ready   bool   `json:"ready"`
}

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}
