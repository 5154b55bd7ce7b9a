// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClarificationInteraction is one clarification shown to a user and, once
// known, how it was resolved.
type ClarificationInteraction struct {
	ID                 string        `json:"id"`
	Query              string        `json:"query"`
	OriginalIntent     string        `json:"original_intent"`
	OriginalConfidence float64       `json:"original_confidence"`
	OriginalMethod     string        `json:"original_method"`
	AmbiguityType      string        `json:"ambiguity_type,omitempty"`
	Options            []string      `json:"options"`
	SelectedOption     string        `json:"selected_option,omitempty"`
	ResolvedIntent     string        `json:"resolved_intent,omitempty"`
	WasHelpful         *bool         `json:"was_helpful,omitempty"`
	TimeToResolve      time.Duration `json:"time_to_resolve,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	ResolvedAt         time.Time     `json:"resolved_at,omitempty"`
}

// Resolved reports whether the interaction has a resolution.
func (c ClarificationInteraction) Resolved() bool {
	return !c.ResolvedAt.IsZero()
}

// InsertInteraction persists a new interaction and bumps today's
// clarifications-shown counter.
//
// # Outputs
//
//   - string: The new interaction id.
//   - error: Non-nil if the write failed.
func (s *Store) InsertInteraction(ctx context.Context, ci ClarificationInteraction) (string, error) {
	id := uuid.New().String()
	created := ci.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	options := ci.Options
	if options == nil {
		options = []string{}
	}
	optJSON, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO clarification_interactions
			 (id, query, original_intent, original_confidence, original_method, ambiguity_type, options_json, selected_option, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ci.Query, ci.OriginalIntent, ci.OriginalConfidence, ci.OriginalMethod,
			ci.AmbiguityType, string(optJSON), ci.SelectedOption, formatTime(created),
		)
		if err != nil {
			return fmt.Errorf("insert interaction: %w", err)
		}
		return bumpDaily(ctx, tx, created, 1, 0, 0)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetInteraction loads one interaction. Returns ErrNotFound if absent.
func (s *Store) GetInteraction(ctx context.Context, id string) (ClarificationInteraction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, original_intent, original_confidence, original_method, ambiguity_type,
		        options_json, selected_option, resolved_intent, was_helpful, time_to_resolve_ms,
		        created_at, resolved_at
		 FROM clarification_interactions WHERE id = ?`, id)

	var (
		ci               ClarificationInteraction
		optJSON          string
		helpful          sql.NullInt64
		ttrMS            int64
		created, resolve string
	)
	err := row.Scan(&ci.ID, &ci.Query, &ci.OriginalIntent, &ci.OriginalConfidence, &ci.OriginalMethod,
		&ci.AmbiguityType, &optJSON, &ci.SelectedOption, &ci.ResolvedIntent, &helpful, &ttrMS,
		&created, &resolve)
	if errors.Is(err, sql.ErrNoRows) {
		return ClarificationInteraction{}, ErrNotFound
	}
	if err != nil {
		return ClarificationInteraction{}, fmt.Errorf("get interaction: %w", err)
	}

	if err := json.Unmarshal([]byte(optJSON), &ci.Options); err != nil {
		return ClarificationInteraction{}, fmt.Errorf("decode options: %w", err)
	}
	if helpful.Valid {
		h := helpful.Int64 == 1
		ci.WasHelpful = &h
	}
	ci.TimeToResolve = time.Duration(ttrMS) * time.Millisecond
	ci.CreatedAt = parseTime(created)
	ci.ResolvedAt = parseTime(resolve)
	return ci, nil
}

// ResolveInteraction records the user's selection and the resolved intent.
//
// # Description
//
// Sets the selection, resolved intent and helpful flag, computes the time
// to resolve from the creation timestamp, and bumps today's resolved
// counter. The update is conditional on the row being unresolved, so of
// two racing resolutions only one is applied.
//
// # Outputs
//
//   - ClarificationInteraction: The updated interaction. On
//     ErrAlreadyResolved, the stored resolution.
//   - error: ErrNotFound if the id is unknown, ErrAlreadyResolved if it was
//     resolved before, or a write failure.
func (s *Store) ResolveInteraction(ctx context.Context, id, selected, resolvedIntent string, helpful bool) (ClarificationInteraction, error) {
	ci, err := s.GetInteraction(ctx, id)
	if err != nil {
		return ClarificationInteraction{}, err
	}
	if ci.Resolved() {
		return ci, ErrAlreadyResolved
	}
	now := s.now()
	ttr := max(now.Sub(ci.CreatedAt), 0)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE clarification_interactions
			 SET selected_option = ?, resolved_intent = ?, was_helpful = ?, time_to_resolve_ms = ?, resolved_at = ?
			 WHERE id = ? AND resolved_at = ''`,
			selected, resolvedIntent, boolToInt(helpful), ttr.Milliseconds(), formatTime(now), id,
		)
		if err != nil {
			return fmt.Errorf("resolve interaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve interaction: %w", err)
		}
		if n == 0 {
			return ErrAlreadyResolved
		}
		return bumpDaily(ctx, tx, now, 0, 1, 0)
	})
	if errors.Is(err, ErrAlreadyResolved) {
		if stored, gerr := s.GetInteraction(ctx, id); gerr == nil {
			ci = stored
		}
		return ci, ErrAlreadyResolved
	}
	if err != nil {
		return ClarificationInteraction{}, err
	}

	ci.SelectedOption = selected
	ci.ResolvedIntent = resolvedIntent
	ci.WasHelpful = &helpful
	ci.TimeToResolve = ttr.Truncate(time.Millisecond)
	ci.ResolvedAt = parseTime(formatTime(now))
	return ci, nil
}
