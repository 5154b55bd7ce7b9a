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
	"fmt"
	"time"
)

// DailyPerformance is the per-day learning aggregate.
type DailyPerformance struct {
	Day                 string `json:"day"`
	ClarificationsShown int    `json:"clarifications_shown"`
	Resolved            int    `json:"resolved"`
	PatternsLearned     int    `json:"patterns_learned"`
}

const dayLayout = "2006-01-02"

// bumpDaily adds to the aggregate row of t's UTC day.
func bumpDaily(ctx context.Context, tx *sql.Tx, t time.Time, shown, resolved, learned int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pattern_performance (day, clarifications_shown, resolved, patterns_learned)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (day) DO UPDATE SET
		   clarifications_shown = clarifications_shown + excluded.clarifications_shown,
		   resolved             = resolved + excluded.resolved,
		   patterns_learned     = patterns_learned + excluded.patterns_learned`,
		t.UTC().Format(dayLayout), shown, resolved, learned)
	if err != nil {
		return fmt.Errorf("bump daily performance: %w", err)
	}
	return nil
}

// Performance returns the aggregates of the most recent days, newest first.
func (s *Store) Performance(ctx context.Context, days int) ([]DailyPerformance, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, clarifications_shown, resolved, patterns_learned
		 FROM pattern_performance ORDER BY day DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("performance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DailyPerformance
	for rows.Next() {
		var d DailyPerformance
		if err := rows.Scan(&d.Day, &d.ClarificationsShown, &d.Resolved, &d.PatternsLearned); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
