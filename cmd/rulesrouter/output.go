// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianRules/services/rules"
	"github.com/AleutianAI/AleutianRules/services/rules/clarify"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	keyStyle    = lipgloss.NewStyle().Faint(true).Width(12)
	intentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2196F3"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func row(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(keyStyle.Render(key))
	b.WriteString(value)
	b.WriteByte('\n')
}

// renderClassification formats a classification for a terminal.
func renderClassification(res rules.ClassifyResult) string {
	cls := res.Classification
	var b strings.Builder

	b.WriteString(titleStyle.Render("Classification"))
	b.WriteByte('\n')
	row(&b, "Intent", intentStyle.Render(string(cls.Intent)))
	row(&b, "Confidence", fmt.Sprintf("%.2f", cls.Confidence))
	row(&b, "Method", string(cls.Method))
	row(&b, "Entity", cls.EntityName)
	row(&b, "Tables", strings.Join(cls.Tables, ", "))
	row(&b, "Sources", strings.Join(cls.DataSources, ", "))
	row(&b, "Terms", strings.Join(cls.SearchTerms, ", "))
	if cls.Error != "" {
		row(&b, "Error", errStyle.Render(cls.Error))
	}

	steps := make([]string, 0, len(res.Trace))
	for _, st := range res.Trace {
		steps = append(steps, fmt.Sprintf("%s:%s", st.Stage, st.Outcome))
	}
	row(&b, "Trace", strings.Join(steps, " → "))

	if res.Clarification != nil {
		b.WriteByte('\n')
		b.WriteString(renderClarification(*res.Clarification, res.InteractionID))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderClarification formats a clarification request.
func renderClarification(req clarify.Request, interactionID string) string {
	var b strings.Builder
	b.WriteString(warnStyle.Render(fmt.Sprintf("Clarification needed (%s)", strings.ToLower(string(req.Ambiguity)))))
	b.WriteByte('\n')
	b.WriteString(req.Prompt)
	b.WriteByte('\n')
	for i, o := range req.Options {
		fmt.Fprintf(&b, "  %d. %s (%.2f)\n", i+1, o.Label, o.Confidence)
	}
	if req.BestGuess != nil {
		fmt.Fprintf(&b, "  Best guess: %s\n", req.BestGuess.Label)
	}
	for _, s := range req.Suggestions {
		fmt.Fprintf(&b, "  • %s\n", s)
	}
	for _, ex := range req.Examples {
		fmt.Fprintf(&b, "  • %s: %q\n", ex.Label, ex.Example)
	}
	if interactionID != "" {
		row(&b, "Interaction", interactionID)
	}
	return b.String()
}

// renderSweep formats a sweep result.
func renderSweep(res rules.SweepResult) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pattern sweep"))
	b.WriteByte('\n')
	row(&b, "Deactivated", fmt.Sprint(res.Deactivated))
	row(&b, "Learned", fmt.Sprintf("%d verified rule(s) loaded", res.LearnedRules))
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
