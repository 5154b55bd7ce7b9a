// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the generative model clients used by the routing
// fallback stage.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderEnvVar selects the client built by NewClientFromEnv.
const ProviderEnvVar = "RULES_LLM_PROVIDER"

// Provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

var llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rules",
	Subsystem: "llm",
	Name:      "calls_total",
	Help:      "Generative model calls by provider and status: ok, error",
}, []string{"provider", "status"})

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a single generation. Nil fields use the
// provider's defaults.
type GenerationParams struct {
	Temperature   *float32
	MaxTokens     *int
	TopP          *float32
	Stop          []string
	ModelOverride string
}

// ClassifierParams are the parameters used for intent classification:
// deterministic and short.
func ClassifierParams() GenerationParams {
	temp := float32(0)
	maxTokens := 16
	return GenerationParams{Temperature: &temp, MaxTokens: &maxTokens, Stop: []string{"\n"}}
}

// Client generates text from a prompt.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Name() string
}

// AsProvider adapts a client to the routing fallback stage's provider
// signature. Every call is counted in rules_llm_calls_total.
func AsProvider(c Client, params GenerationParams) func(ctx context.Context, prompt string) (string, error) {
	return func(ctx context.Context, prompt string) (string, error) {
		out, err := c.Generate(ctx, prompt, params)
		status := "ok"
		if err != nil {
			status = "error"
		}
		llmCallsTotal.WithLabelValues(c.Name(), status).Inc()
		return strings.TrimSpace(out), err
	}
}

// NewClientFromEnv builds the client named by RULES_LLM_PROVIDER.
//
// # Description
//
// "ollama" (the default) reads OLLAMA_BASE_URL and OLLAMA_MODEL. "openai"
// reads OPENAI_API_KEY and OPENAI_MODEL. "none" returns a nil client, which
// disables the fallback stage.
//
// # Outputs
//
//   - Client: The client, or nil for "none".
//   - error: Non-nil for an unknown provider or missing credentials.
func NewClientFromEnv() (Client, error) {
	name := strings.ToLower(strings.TrimSpace(os.Getenv(ProviderEnvVar)))
	switch name {
	case "", ProviderOllama:
		return NewOllamaClient(), nil
	case ProviderOpenAI:
		return NewOpenAIClient()
	case ProviderNone:
		slog.Info("generative fallback disabled", slog.String("env", ProviderEnvVar))
		return nil, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (%s)", name, ProviderEnvVar)
	}
}
