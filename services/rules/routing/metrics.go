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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cascadeStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "cascade",
		Name:      "stage_total",
		Help:      "Stage outcomes by stage and outcome: accepted, below_threshold, no_result, error, skipped",
	}, []string{"stage", "outcome"})

	cascadeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rules",
		Subsystem: "cascade",
		Name:      "latency_seconds",
		Help:      "End-to-end classification latency by resolving method",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 3, 8},
	}, []string{"method"})

	cascadeDefaultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "cascade",
		Name:      "default_total",
		Help:      "Synthetic default classifications by error code",
	}, []string{"code"})

	patternLearnedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rules",
		Subsystem: "pattern",
		Name:      "learned_rules",
		Help:      "Learned rules in the current pattern stage snapshot",
	})

	embeddingWarmTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "embedding",
		Name:      "warm_total",
		Help:      "Embedding index warm-ups by source: store, provider, failed",
	}, []string{"source"})

	embeddingCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rules",
		Subsystem: "embedding",
		Name:      "cache_entries",
		Help:      "Number of texts held in the embedding cache",
	})

	fallbackLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rules",
		Subsystem: "fallback",
		Name:      "latency_seconds",
		Help:      "Latency of generative fallback provider calls",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0, 8.0},
	})

	fallbackCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rules",
		Subsystem: "fallback",
		Name:      "calls_total",
		Help:      "Generative fallback calls by outcome: success, format_error, validation_error, unavailable, cancelled, rate_limited",
	}, []string{"outcome"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routingTracer = otel.Tracer("aleutian.rules.routing")
