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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRules/services/rules/routing"
)

// LearnedPattern is a text signature mined from resolved clarifications.
type LearnedPattern struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Type        string    `json:"type"`
	Intent      string    `json:"intent"`
	Confidence  float64   `json:"confidence"`
	Occurrences int       `json:"occurrences"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	Examples    []string  `json:"examples"`
	IsActive    bool      `json:"is_active"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SuccessRate is successes over occurrences, or 0 with no occurrences.
func (p LearnedPattern) SuccessRate() float64 {
	if p.Occurrences == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Occurrences)
}

// PatternUpsert is one pattern observation.
type PatternUpsert struct {
	Text        string
	Type        string
	Intent      string
	Confidence  float64
	Example     string
	MaxExamples int
}

// UpsertPattern records one successful observation of a pattern.
//
// # Description
//
// Keyed by (text, type, intent). An existing row gets occurrences+1 and
// successes+1 and its updated_at touched; otherwise a row is inserted with
// both counters at 1. The example query is appended to the pattern's
// examples (moved to most recent if already present) and the list is
// pruned to the MaxExamples most recent. The whole operation is one
// immediate transaction, so concurrent upserts of the same key never lose
// an increment.
//
// # Outputs
//
//   - LearnedPattern: The row after the upsert, without examples.
//   - bool: True if the row was created.
//   - error: Non-nil on write failure.
func (s *Store) UpsertPattern(ctx context.Context, up PatternUpsert) (LearnedPattern, bool, error) {
	if strings.TrimSpace(up.Text) == "" {
		return LearnedPattern{}, false, errors.New("upsert pattern: empty text")
	}
	maxEx := up.MaxExamples
	if maxEx <= 0 {
		maxEx = 10
	}
	now := formatTime(s.now())

	var p LearnedPattern
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		newID := uuid.New().String()
		var createdAt, updatedAt string
		var active, verified int
		err := tx.QueryRowContext(ctx,
			`INSERT INTO learned_patterns (id, text, type, intent, confidence, occurrences, successes, failures, is_active, verified, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, 1, 0, 1, 0, ?, ?)
			 ON CONFLICT (text, type, intent) DO UPDATE SET
			   occurrences = occurrences + 1,
			   successes   = successes + 1,
			   updated_at  = excluded.updated_at
			 RETURNING id, text, type, intent, confidence, occurrences, successes, failures, is_active, verified, created_at, updated_at`,
			newID, up.Text, up.Type, up.Intent, up.Confidence, now, now,
		).Scan(&p.ID, &p.Text, &p.Type, &p.Intent, &p.Confidence, &p.Occurrences, &p.Successes,
			&p.Failures, &active, &verified, &createdAt, &updatedAt)
		if err != nil {
			return fmt.Errorf("upsert pattern: %w", err)
		}
		p.IsActive = active == 1
		p.Verified = verified == 1
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		created = p.ID == newID

		if up.Example != "" {
			if err := appendExample(ctx, tx, p.ID, up.Example, maxEx); err != nil {
				return err
			}
		}
		if created {
			return bumpDaily(ctx, tx, s.now(), 0, 0, 1)
		}
		return nil
	})
	if err != nil {
		return LearnedPattern{}, false, err
	}
	return p, created, nil
}

func appendExample(ctx context.Context, tx *sql.Tx, patternID, query string, maxEx int) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pattern_examples WHERE pattern_id = ? AND query = ?`, patternID, query); err != nil {
		return fmt.Errorf("refresh example: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pattern_examples (pattern_id, query) VALUES (?, ?)`, patternID, query); err != nil {
		return fmt.Errorf("insert example: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pattern_examples
		 WHERE pattern_id = ? AND seq NOT IN (
		   SELECT seq FROM pattern_examples WHERE pattern_id = ? ORDER BY seq DESC LIMIT ?
		 )`, patternID, patternID, maxEx); err != nil {
		return fmt.Errorf("prune examples: %w", err)
	}
	return nil
}

// RecordPatternFailure counts a contradicting observation against every
// row with the same (text, type) learned for an intent other than
// resolvedIntent: occurrences+1, failures+1.
//
// # Outputs
//
//   - int64: Rows updated.
//   - error: Non-nil on write failure.
func (s *Store) RecordPatternFailure(ctx context.Context, text, typ, resolvedIntent string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE learned_patterns
		 SET occurrences = occurrences + 1, failures = failures + 1, updated_at = ?
		 WHERE text = ? AND type = ? AND intent <> ?`,
		formatTime(s.now()), text, typ, resolvedIntent)
	if err != nil {
		return 0, fmt.Errorf("record pattern failure: %w", err)
	}
	return res.RowsAffected()
}

// DeactivatePoorPatterns flips is_active to false for unverified active
// patterns with at least minOccurrences observations and a success rate
// below minSuccessRate. Already-inactive and verified rows are untouched,
// so repeated sweeps are idempotent.
//
// # Outputs
//
//   - int64: Patterns deactivated by this sweep.
//   - error: Non-nil on write failure.
func (s *Store) DeactivatePoorPatterns(ctx context.Context, minOccurrences int, minSuccessRate float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE learned_patterns
		 SET is_active = 0, updated_at = ?
		 WHERE is_active = 1 AND verified = 0 AND occurrences >= ?
		   AND CAST(successes AS REAL) / occurrences < ?`,
		formatTime(s.now()), minOccurrences, minSuccessRate)
	if err != nil {
		return 0, fmt.Errorf("deactivate poor patterns: %w", err)
	}
	return res.RowsAffected()
}

// VerifyPattern marks a pattern as human-verified and active.
// Returns ErrNotFound if the id is unknown.
func (s *Store) VerifyPattern(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE learned_patterns SET verified = 1, is_active = 1, updated_at = ? WHERE id = ?`,
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("verify pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify pattern: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PatternFilter selects patterns for ListPatterns.
type PatternFilter struct {
	Intent       string
	ActiveOnly   bool
	VerifiedOnly bool

	// Limit caps the result. Zero means 100.
	Limit int
}

// ListPatterns returns patterns with their examples, most-observed first.
func (s *Store) ListPatterns(ctx context.Context, f PatternFilter) ([]LearnedPattern, error) {
	var (
		where []string
		args  []any
	)
	if f.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, f.Intent)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if f.VerifiedOnly {
		where = append(where, "verified = 1")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, text, type, intent, confidence, occurrences, successes, failures, is_active, verified, created_at, updated_at
	      FROM learned_patterns`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurrences DESC, text ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	for i := range out {
		ex, err := s.examples(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Examples = ex
	}
	return out, nil
}

// GetPattern loads one pattern with its examples.
func (s *Store) GetPattern(ctx context.Context, id string) (LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, type, intent, confidence, occurrences, successes, failures, is_active, verified, created_at, updated_at
		 FROM learned_patterns WHERE id = ?`, id)
	if err != nil {
		return LearnedPattern{}, fmt.Errorf("get pattern: %w", err)
	}
	var p LearnedPattern
	found := false
	if rows.Next() {
		p, err = scanPattern(rows)
		found = err == nil
	}
	_ = rows.Close()
	if err != nil {
		return LearnedPattern{}, err
	}
	if !found {
		return LearnedPattern{}, ErrNotFound
	}
	p.Examples, err = s.examples(ctx, id)
	if err != nil {
		return LearnedPattern{}, err
	}
	return p, nil
}

func scanPattern(rows *sql.Rows) (LearnedPattern, error) {
	var (
		p                  LearnedPattern
		active, verified   int
		createdAt, updated string
	)
	if err := rows.Scan(&p.ID, &p.Text, &p.Type, &p.Intent, &p.Confidence, &p.Occurrences,
		&p.Successes, &p.Failures, &active, &verified, &createdAt, &updated); err != nil {
		return LearnedPattern{}, fmt.Errorf("scan pattern: %w", err)
	}
	p.IsActive = active == 1
	p.Verified = verified == 1
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// examples returns a pattern's example queries, most recent first.
func (s *Store) examples(ctx context.Context, patternID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query FROM pattern_examples WHERE pattern_id = ? ORDER BY seq DESC`, patternID)
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// VerifiedRules returns the active, verified patterns as learned rules for
// the pattern stage.
func (s *Store) VerifiedRules(ctx context.Context) ([]routing.LearnedRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, type, intent FROM learned_patterns
		 WHERE is_active = 1 AND verified = 1
		 ORDER BY confidence DESC, occurrences DESC, text ASC`)
	if err != nil {
		return nil, fmt.Errorf("verified rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []routing.LearnedRule
	for rows.Next() {
		var text, typ, intent string
		if err := rows.Scan(&text, &typ, &intent); err != nil {
			return nil, fmt.Errorf("scan verified rule: %w", err)
		}
		out = append(out, routing.LearnedRule{
			Text:   text,
			Type:   typ,
			Intent: routing.Intent(intent),
		})
	}
	return out, rows.Err()
}

var _ routing.LearnedPatternSource = (*Store)(nil)
