// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules hosts the rules-assistant intent router: it wires the
// classification cascade, the clarification engine and the learning engine
// to their stores and exposes them over HTTP.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRules/services/rules/clarify"
	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/learning"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	badgerstore "github.com/AleutianAI/AleutianRules/services/rules/storage/badger"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

// Version is reported by the health endpoint.
const Version = "0.4.0"

// cacheGCDiscardRatio is the value-log discard ratio used by Sweep.
const cacheGCDiscardRatio = 0.5

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Routing is the routing configuration. Nil loads it with
	// config.GetRoutingConfig.
	Routing *config.RoutingConfig

	// DBPath is the SQLite file for interactions and learned patterns.
	// Empty uses store.DefaultPath(); ":memory:" keeps everything in RAM.
	DBPath string

	// CacheDir is the BadgerDB directory for example embeddings. Empty
	// keeps vectors in memory only.
	CacheDir string

	// CacheTTL is how long persisted example vectors live. Zero uses the
	// store default.
	CacheTTL time.Duration

	// Embedder enables the embedding stage. Nil disables it.
	Embedder routing.Embedder

	// Provider enables the generative fallback. Nil disables it.
	Provider routing.Provider

	// Disabled lists cascade stages to skip.
	Disabled []routing.Method

	Logger *slog.Logger
}

// Service is the rules router facade used by the HTTP handlers and the CLI.
//
// # Description
//
// Owns the SQLite store and the optional embedding cache DB. Classification
// never fails; clarification recording and learning degrade to logging when
// storage is unavailable.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cascade   *routing.Cascade
	index     *routing.EmbeddingIndex
	clarifier *clarify.Engine
	learner   *learning.Engine
	store     *store.Store
	cacheDB   *badgerstore.DB
	logger    *slog.Logger
}

// NewService opens the stores and wires the engines.
//
// # Inputs
//
//   - ctx: Bounds config loading and the store migration.
//   - cfg: Service configuration.
//
// # Outputs
//
//   - *Service: Ready service. Caller must Close it.
//   - error: Non-nil if the routing config is invalid or the SQLite store
//     cannot be opened. An unavailable embedding cache is only logged.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rc := cfg.Routing
	if rc == nil {
		var err error
		rc, err = config.GetRoutingConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("rules service: %w", err)
		}
	}
	cat := routing.NewCatalog(rc)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultPath()
	}
	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("rules service: %w", err)
	}

	svc := &Service{store: st, logger: logger}

	if cfg.Embedder != nil {
		var vectors routing.EmbeddingStore
		if cfg.CacheDir != "" {
			bc := badgerstore.DefaultConfig()
			bc.Path = cfg.CacheDir
			db, err := badgerstore.OpenDB(bc)
			if err != nil {
				logger.Warn("Embedding cache BadgerDB unavailable, vectors kept in memory only",
					slog.String("path", cfg.CacheDir),
					slog.String("error", err.Error()),
				)
			} else {
				svc.cacheDB = db
				vectors = routing.NewBadgerEmbeddingStore(db, cfg.CacheTTL, logger)
				logger.Info("Embedding cache BadgerDB opened", slog.String("path", cfg.CacheDir))
			}
		}
		svc.index = routing.NewEmbeddingIndex(cfg.Embedder, vectors, logger)
	}

	svc.cascade, err = routing.NewCascade(routing.CascadeConfig{
		Catalog:       cat,
		Index:         svc.index,
		Provider:      cfg.Provider,
		LearnedSource: st,
		Disabled:      cfg.Disabled,
		Logger:        logger,
	})
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("rules service: %w", err)
	}

	svc.learner = learning.NewEngine(st, rc.Learning, logger)
	svc.clarifier, err = clarify.NewEngine(clarify.Options{
		Catalog: cat,
		Keyword: svc.cascade.KeywordStage(),
		Store:   st,
		Learner: svc.learner,
		Logger:  logger,
	})
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("rules service: %w", err)
	}

	return svc, nil
}

// Initialize warms the embedding index and loads verified learned
// patterns. Classification works before it returns; the embedding stage is
// simply skipped until it is ready.
func (s *Service) Initialize(ctx context.Context) error {
	var errs []error
	if err := s.cascade.Initialize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("embedding warm-up: %w", err))
	}
	if _, err := s.cascade.RefreshLearned(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the stores.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.cacheDB != nil {
		errs = append(errs, s.cacheDB.Close())
	}
	return errors.Join(errs...)
}

// Catalog returns the intent catalog.
func (s *Service) Catalog() *routing.Catalog { return s.cascade.Catalog() }

// =============================================================================
// Classification
// =============================================================================

// Classify runs the cascade and, when the result is not safe to route,
// generates and records a clarification request.
//
// # Outputs
//
//   - ClassifyResult: Always populated. InteractionID is empty when no
//     clarification was needed or it could not be recorded.
//   - error: routing.ErrStageInput for a blank query.
func (s *Service) Classify(ctx context.Context, query string, history []string) (ClassifyResult, error) {
	if strings.TrimSpace(query) == "" {
		return ClassifyResult{}, fmt.Errorf("classify: %w", routing.ErrStageInput)
	}
	out := s.cascade.ClassifyWithAlternatives(ctx, query, history)
	res := ClassifyResult{
		Outcome:            out,
		NeedsClarification: s.clarifier.NeedsClarification(out.Classification),
	}
	if res.NeedsClarification {
		req := s.clarifier.GenerateClarification(ctx, query, out.Classification, out.Alternatives)
		res.Clarification = &req
		res.InteractionID = s.clarifier.RecordRequest(ctx, req, out.Classification)
	}
	return res, nil
}

// Clarify generates and records a clarification request for query
// regardless of the classification confidence.
func (s *Service) Clarify(ctx context.Context, query string) (ClarifyResult, error) {
	if strings.TrimSpace(query) == "" {
		return ClarifyResult{}, fmt.Errorf("clarify: %w", routing.ErrStageInput)
	}
	out := s.cascade.ClassifyWithAlternatives(ctx, query, nil)
	req := s.clarifier.GenerateClarification(ctx, query, out.Classification, out.Alternatives)
	return ClarifyResult{
		Classification: out.Classification,
		Request:        req,
		InteractionID:  s.clarifier.RecordRequest(ctx, req, out.Classification),
	}, nil
}

// RecordClarification persists a clarification the host presented itself.
// Unknown intents among the options are rejected.
func (s *Service) RecordClarification(ctx context.Context, req RecordClarificationRequest) (string, error) {
	cat := s.Catalog()
	opts := make([]clarify.Option, 0, len(req.Options))
	for _, in := range req.Options {
		if !cat.Known(in) {
			return "", fmt.Errorf("record clarification: unknown intent %q: %w", in, routing.ErrStageInput)
		}
		opts = append(opts, clarify.Option{Intent: in, Label: string(in)})
	}
	return s.clarifier.RecordClarification(ctx, req.Query, req.Original, opts, req.Selected), nil
}

// Feedback resolves a recorded clarification and learns from it.
//
// # Outputs
//
//   - clarify.Feedback: What was recorded and learned.
//   - error: routing.ErrStageInput for an unknown resolved intent or an
//     empty id, clarify.ErrUnknownInteraction for an id never recorded,
//     clarify.ErrAlreadyResolved for an interaction resolved before.
func (s *Service) Feedback(ctx context.Context, id string, req FeedbackRequest) (clarify.Feedback, error) {
	if req.ResolvedIntent != "" && !s.Catalog().Known(req.ResolvedIntent) {
		return clarify.Feedback{InteractionID: id},
			fmt.Errorf("feedback: unknown intent %q: %w", req.ResolvedIntent, routing.ErrStageInput)
	}
	return s.clarifier.ProcessClarificationFeedback(ctx, id, req.Selection, req.ResolvedIntent)
}

// =============================================================================
// Stats
// =============================================================================

// Stats returns the cascade counters and the last days of clarification
// metrics. days <= 0 uses the store default.
func (s *Service) Stats(ctx context.Context, days int) (StatsResult, error) {
	perf, err := s.store.Performance(ctx, days)
	if err != nil {
		return StatsResult{}, fmt.Errorf("stats: %w: %w", routing.ErrPersistence, err)
	}
	res := StatsResult{
		Cascade:        s.cascade.Stats(),
		Performance:    perf,
		EmbeddingReady: s.cascade.Ready(),
	}
	if s.index != nil {
		res.CachedVectors = s.index.Cache().Len()
	}
	return res, nil
}

// ResetStats zeroes the in-memory cascade counters. Persisted daily
// metrics are kept.
func (s *Service) ResetStats() {
	s.cascade.ResetStats()
	s.logger.Info("Classification stats reset")
}

// =============================================================================
// Pattern maintenance
// =============================================================================

// Sweep deactivates poorly performing learned patterns, reloads the
// verified learned rules and compacts the embedding cache.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	n, err := s.learner.DeactivatePoorPatterns(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Deactivated: n}

	res.LearnedRules, err = s.cascade.RefreshLearned(ctx)
	if err != nil {
		s.logger.Warn("Sweep: learned rule refresh failed", slog.String("error", err.Error()))
	}

	if s.cacheDB != nil {
		if err := s.cacheDB.RunValueLogGC(cacheGCDiscardRatio); err != nil {
			s.logger.Warn("Sweep: embedding cache GC failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// VerifyPattern marks a learned pattern as human-reviewed and reloads the
// learned rules.
//
// # Outputs
//
//   - error: store.ErrNotFound for an unknown id, routing.ErrPersistence
//     on write failure.
func (s *Service) VerifyPattern(ctx context.Context, id string) error {
	if err := s.learner.VerifyPattern(ctx, id); err != nil {
		return err
	}
	if _, err := s.cascade.RefreshLearned(ctx); err != nil {
		s.logger.Warn("Verify: learned rule refresh failed", slog.String("error", err.Error()))
	}
	return nil
}

// Patterns lists learned patterns.
func (s *Service) Patterns(ctx context.Context, f store.PatternFilter) ([]store.LearnedPattern, error) {
	ps, err := s.store.ListPatterns(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("patterns: %w: %w", routing.ErrPersistence, err)
	}
	return ps, nil
}

// =============================================================================
// Probes
// =============================================================================

// Healthy pings the SQLite store.
func (s *Service) Healthy(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready reports whether the embedding index is warmed (or disabled).
func (s *Service) Ready() bool {
	return s.cascade.Ready()
}
