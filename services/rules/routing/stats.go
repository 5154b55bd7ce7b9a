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
	"sync/atomic"
)

// statMethods fixes the index of each method in the counter arrays.
var statMethods = [...]Method{MethodPattern, MethodKeyword, MethodEmbedding, MethodLLM, MethodFallback}

func methodIndex(m Method) int {
	for i, sm := range statMethods {
		if sm == m {
			return i
		}
	}
	return len(statMethods) - 1
}

// ClassificationStats holds process-lifetime cascade counters.
//
// Description:
//
//	Counts classifications resolved by each method and errors observed at
//	each stage. Counters are atomic so concurrent classifications never
//	lose updates. Counters only reset through Reset.
//
// Thread Safety: Safe for concurrent use.
type ClassificationStats struct {
	total    atomic.Int64
	resolved [len(statMethods)]atomic.Int64
	errors   [len(statMethods)]atomic.Int64

	costPerCall float64
}

// NewClassificationStats creates zeroed stats. costPerCall prices one
// generative provider call for the cost estimate.
func NewClassificationStats(costPerCall float64) *ClassificationStats {
	return &ClassificationStats{costPerCall: costPerCall}
}

func (s *ClassificationStats) recordQuery()             { s.total.Add(1) }
func (s *ClassificationStats) recordResolved(m Method)  { s.resolved[methodIndex(m)].Add(1) }
func (s *ClassificationStats) recordError(stage Method) { s.errors[methodIndex(stage)].Add(1) }

// StatsSnapshot is a point-in-time view of ClassificationStats.
type StatsSnapshot struct {
	TotalQueries  int64              `json:"total_queries"`
	Resolved      map[Method]int64   `json:"resolved"`
	Errors        map[Method]int64   `json:"errors"`
	TotalErrors   int64              `json:"total_errors"`
	Coverage      map[Method]float64 `json:"coverage"`
	LLMCalls      int64              `json:"llm_calls"`
	EstimatedCost float64            `json:"estimated_cost"`
	Fallback      *FallbackStats     `json:"fallback,omitempty"`
}

// Snapshot returns the current counters plus derived coverage (share of
// queries resolved by each method). LLMCalls and EstimatedCost are filled
// by the cascade from the fallback stage's own call counter.
func (s *ClassificationStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalQueries: s.total.Load(),
		Resolved:     make(map[Method]int64, len(statMethods)),
		Errors:       make(map[Method]int64, len(statMethods)),
		Coverage:     make(map[Method]float64, len(statMethods)),
	}
	for i, m := range statMethods {
		r := s.resolved[i].Load()
		e := s.errors[i].Load()
		snap.Resolved[m] = r
		snap.Errors[m] = e
		snap.TotalErrors += e
		if snap.TotalQueries > 0 {
			snap.Coverage[m] = float64(r) / float64(snap.TotalQueries)
		}
	}
	return snap
}

// withProviderCalls sets the provider call count and the cost derived from
// it. Only calls that reached the provider are priced.
func (s *ClassificationStats) withProviderCalls(snap *StatsSnapshot, calls int64) {
	snap.LLMCalls = calls
	snap.EstimatedCost = float64(calls) * s.costPerCall
}

// Reset zeroes every counter.
func (s *ClassificationStats) Reset() {
	s.total.Store(0)
	for i := range statMethods {
		s.resolved[i].Store(0)
		s.errors[i].Store(0)
	}
}
