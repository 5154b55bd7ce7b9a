// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Routing Rules
// =============================================================================

//go:embed routing_rules.yaml
var defaultRoutingRulesYAML []byte

// MaxYAMLFileSize bounds the size of a routing rules file.
const MaxYAMLFileSize = 1 << 20

// RoutingConfigEnvVar names the environment variable that points at an
// operator-supplied routing rules file. When unset the embedded rules are used.
const RoutingConfigEnvVar = "RULES_ROUTING_CONFIG"

var configTracer = otel.Tracer("aleutian.rules.config")

// =============================================================================
// Routing Configuration Types
// =============================================================================

// RoutingConfig is the full routing rule set consumed by the cascade,
// the clarification engine and the learning engine.
//
// Description:
//
//	Intents are kept as an ordered list. Their order is significant: the
//	pattern stage evaluates intents in this order and the keyword stage
//	resolves score ties in favor of the earlier intent.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type RoutingConfig struct {
	// Intents is the closed, ordered set of routable intents.
	Intents []IntentRule `yaml:"intents" validate:"required,min=1,dive"`

	// Thresholds holds the stage acceptance and activation floors.
	Thresholds Thresholds `yaml:"thresholds"`

	// Fallback configures the generative-model stage.
	Fallback FallbackConfig `yaml:"fallback"`

	// Learning configures pattern mining and the maintenance sweep.
	Learning LearningConfig `yaml:"learning"`

	// Clarification configures the disambiguation prompts.
	Clarification ClarificationConfig `yaml:"clarification"`

	// DefaultIntent is the intent used for the synthetic low-confidence
	// classification when every stage fails.
	DefaultIntent string `yaml:"default_intent"`
}

// IntentRule describes one intent and everything each stage needs to know
// about it.
type IntentRule struct {
	// Name is the enumerated intent identifier (e.g. SPELL_LOOKUP).
	Name string `yaml:"name" validate:"required"`

	// Label is the short user-facing name shown in clarification options.
	Label string `yaml:"label" validate:"required"`

	// Description is the user-facing one-line explanation.
	Description string `yaml:"description"`

	// Example is a representative query shown in clarification prompts.
	Example string `yaml:"example"`

	// Tables are the structured tables a lookup of this intent reads.
	Tables []string `yaml:"tables"`

	// DataSources are the downstream backends this intent is routed to.
	DataSources []string `yaml:"data_sources" validate:"required,min=1,dive,oneof=structured rules_text dice"`

	// SortBy is an optional sort hint for structured lookups.
	SortBy string `yaml:"sort_by"`

	// EntityLookup marks intents that resolve a single named entity. A bare
	// proper noun is offered these intents during disambiguation.
	EntityLookup bool `yaml:"entity_lookup"`

	// Patterns are RE2 expressions tried by the pattern stage.
	Patterns []string `yaml:"patterns"`

	// Keywords are the weighted lexical hints for the keyword stage.
	Keywords KeywordSet `yaml:"keywords"`

	// Examples are canonical phrases embedded by the embedding stage.
	Examples []string `yaml:"examples"`
}

// KeywordSet is the per-intent keyword table.
//
// Description:
//
//	Every list is optional. A missing Weight defaults to DefaultKeywordWeight.
type KeywordSet struct {
	Primary    []string `yaml:"primary"`
	Secondary  []string `yaml:"secondary"`
	Categories []string `yaml:"categories"`
	Topics     []string `yaml:"topics"`
	Items      []string `yaml:"items"`

	// Weight multiplies the summed score of this intent. Range [0.7, 1.0].
	Weight float64 `yaml:"weight" validate:"omitempty,gte=0.7,lte=1"`
}

// Thresholds holds per-stage acceptance thresholds (applied by the cascade)
// and activation floors (applied by the stages themselves).
type Thresholds struct {
	Pattern             float64 `yaml:"pattern" validate:"gte=0,lte=1"`
	Keyword             float64 `yaml:"keyword" validate:"gte=0,lte=1"`
	Embedding           float64 `yaml:"embedding" validate:"gte=0,lte=1"`
	PatternConfidence   float64 `yaml:"pattern_confidence" validate:"gte=0,lte=1"`
	KeywordActivation   float64 `yaml:"keyword_activation" validate:"gte=0,lte=1"`
	EmbeddingActivation float64 `yaml:"embedding_activation" validate:"gte=0,lte=1"`
	ClarifyBelow        float64 `yaml:"clarify_below" validate:"gte=0,lte=1"`
}

// FallbackConfig configures the generative fallback stage.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`

	// RatePerSecond limits provider calls. Zero disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`

	// Burst is the limiter burst size.
	Burst int `yaml:"burst" validate:"gte=0"`

	// CostPerCall is the estimated cost of one provider call, used for
	// the stats cost estimate.
	CostPerCall float64 `yaml:"cost_per_call" validate:"gte=0"`

	// MaxHistoryTurns bounds the prior turns embedded in the prompt.
	MaxHistoryTurns int `yaml:"max_history_turns" validate:"gte=0"`
}

// LearningConfig configures pattern mining.
type LearningConfig struct {
	MinOccurrences int     `yaml:"min_occurrences" validate:"gte=1"`
	MinSuccessRate float64 `yaml:"min_success_rate" validate:"gte=0,lte=1"`
	MaxExamples    int     `yaml:"max_examples" validate:"gte=1"`

	// LearnedPolicy controls whether learned patterns feed back into
	// matching: "review_only" or "before_rules".
	LearnedPolicy string `yaml:"learned_policy" validate:"oneof=review_only before_rules"`
}

// ClarificationConfig configures disambiguation prompts.
type ClarificationConfig struct {
	MaxOptions     int `yaml:"max_options" validate:"gte=1"`
	MaxSuggestions int `yaml:"max_suggestions" validate:"gte=1"`
}

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultPatternThreshold    = 0.85
	DefaultKeywordThreshold    = 0.75
	DefaultEmbeddingThreshold  = 0.7
	DefaultPatternConfidence   = 0.9
	DefaultKeywordActivation   = 0.6
	DefaultEmbeddingActivation = 0.7
	DefaultClarifyBelow        = 0.6
	DefaultKeywordWeight       = 1.0
	DefaultFallbackTimeout     = 8 * time.Second
	DefaultMinOccurrences      = 3
	DefaultMinSuccessRate      = 0.5
	DefaultMaxExamples         = 10
	DefaultMaxOptions          = 4
	DefaultMaxSuggestions      = 3
	DefaultIntent              = "RULES_QUESTION"

	PolicyReviewOnly  = "review_only"
	PolicyBeforeRules = "before_rules"
)

// =============================================================================
// Singleton Routing Config
// =============================================================================

var (
	routingConfigMu      sync.RWMutex
	routingConfigOnce    sync.Once
	cachedRoutingConfig  *RoutingConfig
	routingConfigLoadErr error
)

// GetRoutingConfig returns the cached routing configuration.
//
// Description:
//
//	Loads the routing rules on first call and caches them. If the
//	RULES_ROUTING_CONFIG environment variable names a file, that file is
//	loaded instead of the embedded defaults.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*RoutingConfig - The loaded configuration. Never nil on success.
//	error - Non-nil if reading, parsing or validation failed.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetRoutingConfig(ctx context.Context) (*RoutingConfig, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetRoutingConfig: ctx must not be nil")
	}

	routingConfigMu.RLock()
	if cachedRoutingConfig != nil || routingConfigLoadErr != nil {
		cfg, err := cachedRoutingConfig, routingConfigLoadErr
		routingConfigMu.RUnlock()
		return cfg, err
	}
	routingConfigMu.RUnlock()

	routingConfigMu.Lock()
	defer routingConfigMu.Unlock()

	routingConfigOnce.Do(func() {
		data := defaultRoutingRulesYAML
		if path := os.Getenv(RoutingConfigEnvVar); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				routingConfigLoadErr = fmt.Errorf("GetRoutingConfig: reading %s: %w", path, err)
				return
			}
			data = raw
		}
		cachedRoutingConfig, routingConfigLoadErr = LoadRoutingConfig(ctx, data)
	})

	return cachedRoutingConfig, routingConfigLoadErr
}

// ResetRoutingConfig clears the cached config so tests can reload it.
//
// Thread Safety: Safe for concurrent use.
func ResetRoutingConfig() {
	routingConfigMu.Lock()
	defer routingConfigMu.Unlock()
	cachedRoutingConfig = nil
	routingConfigLoadErr = nil
	routingConfigOnce = sync.Once{}
}

// DefaultRoutingRules returns the embedded routing rules YAML.
func DefaultRoutingRules() []byte {
	out := make([]byte, len(defaultRoutingRulesYAML))
	copy(out, defaultRoutingRulesYAML)
	return out
}

// LoadRoutingConfig loads and validates a RoutingConfig from YAML bytes.
//
// Description:
//
//	Parses the YAML, applies defaults for missing fields, runs struct tag
//	validation and then the cross-field checks: unique intent names, known
//	default intent, and compilable patterns.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*RoutingConfig - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func LoadRoutingConfig(ctx context.Context, data []byte) (*RoutingConfig, error) {
	_, span := configTracer.Start(ctx, "config.LoadRoutingConfig")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadRoutingConfig: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadRoutingConfig: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("LoadRoutingConfig: parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateRoutingConfig(&cfg); err != nil {
		return nil, fmt.Errorf("LoadRoutingConfig: validation: %w", err)
	}

	patterns := 0
	examples := 0
	for _, in := range cfg.Intents {
		patterns += len(in.Patterns)
		examples += len(in.Examples)
	}

	span.SetAttributes(
		attribute.Int("intents", len(cfg.Intents)),
		attribute.Int("patterns", patterns),
		attribute.Int("examples", examples),
		attribute.Bool("fallback_enabled", cfg.Fallback.Enabled),
		attribute.String("learned_policy", cfg.Learning.LearnedPolicy),
	)

	slog.Info("routing config loaded",
		slog.Int("intents", len(cfg.Intents)),
		slog.Int("patterns", patterns),
		slog.Int("examples", examples),
		slog.Bool("fallback_enabled", cfg.Fallback.Enabled),
		slog.String("learned_policy", cfg.Learning.LearnedPolicy),
	)

	return &cfg, nil
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *RoutingConfig) {
	t := &cfg.Thresholds
	if t.Pattern <= 0 {
		t.Pattern = DefaultPatternThreshold
	}
	if t.Keyword <= 0 {
		t.Keyword = DefaultKeywordThreshold
	}
	if t.Embedding <= 0 {
		t.Embedding = DefaultEmbeddingThreshold
	}
	if t.PatternConfidence <= 0 {
		t.PatternConfidence = DefaultPatternConfidence
	}
	if t.KeywordActivation <= 0 {
		t.KeywordActivation = DefaultKeywordActivation
	}
	if t.EmbeddingActivation <= 0 {
		t.EmbeddingActivation = DefaultEmbeddingActivation
	}
	if t.ClarifyBelow <= 0 {
		t.ClarifyBelow = DefaultClarifyBelow
	}

	if cfg.Fallback.Timeout <= 0 {
		cfg.Fallback.Timeout = DefaultFallbackTimeout
	}

	if cfg.Learning.MinOccurrences <= 0 {
		cfg.Learning.MinOccurrences = DefaultMinOccurrences
	}
	if cfg.Learning.MinSuccessRate <= 0 {
		cfg.Learning.MinSuccessRate = DefaultMinSuccessRate
	}
	if cfg.Learning.MaxExamples <= 0 {
		cfg.Learning.MaxExamples = DefaultMaxExamples
	}
	if cfg.Learning.LearnedPolicy == "" {
		cfg.Learning.LearnedPolicy = PolicyReviewOnly
	}

	if cfg.Clarification.MaxOptions <= 0 {
		cfg.Clarification.MaxOptions = DefaultMaxOptions
	}
	if cfg.Clarification.MaxSuggestions <= 0 {
		cfg.Clarification.MaxSuggestions = DefaultMaxSuggestions
	}

	if cfg.DefaultIntent == "" {
		cfg.DefaultIntent = DefaultIntent
	}

	for i := range cfg.Intents {
		if cfg.Intents[i].Keywords.Weight <= 0 {
			cfg.Intents[i].Keywords.Weight = DefaultKeywordWeight
		}
	}
}

// validateRoutingConfig runs tag validation then the cross-field checks.
func validateRoutingConfig(cfg *RoutingConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Intents))
	for i, in := range cfg.Intents {
		if seen[in.Name] {
			return fmt.Errorf("intent[%d]: duplicate name %q", i, in.Name)
		}
		seen[in.Name] = true

		for j, p := range in.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("intent[%d] (%s): pattern[%d]: %w", i, in.Name, j, err)
			}
		}
	}

	if !seen[cfg.DefaultIntent] {
		return fmt.Errorf("default_intent %q is not a declared intent", cfg.DefaultIntent)
	}
	return nil
}

// Intent returns the rule for the named intent.
//
// Outputs:
//
//	IntentRule - The rule. Zero value if not found.
//	bool - True if the intent is declared.
func (c *RoutingConfig) Intent(name string) (IntentRule, bool) {
	for _, in := range c.Intents {
		if in.Name == name {
			return in, true
		}
	}
	return IntentRule{}, false
}

// IntentNames returns the declared intent names in declaration order.
func (c *RoutingConfig) IntentNames() []string {
	names := make([]string, len(c.Intents))
	for i, in := range c.Intents {
		names[i] = in.Name
	}
	return names
}
