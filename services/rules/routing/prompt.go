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
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// =============================================================================
// Prompt Builder
// =============================================================================

// PromptBuilder renders the fixed instructional prompt of the generative
// fallback stage.
//
// # Thread Safety
//
// Safe for concurrent use.
type PromptBuilder struct {
	tmpl *template.Template
}

// promptIntent is one entry of the intent list in the prompt.
type promptIntent struct {
	Name        string
	Description string
	Examples    []string
}

// PromptData contains the data for prompt rendering.
type PromptData struct {
	Intents []promptIntent
	History []string
	Query   string
}

const classifyPromptTemplate = `You classify questions asked to a tabletop role-playing rules assistant.

## Intents
Choose exactly ONE of these intents:
{{range .Intents}}
- {{.Name}}: {{.Description}}
{{- if .Examples}}
  Examples: {{join .Examples "; "}}
{{- end}}
{{- end}}
{{if .History}}
## Earlier in the conversation
{{range .History}}- {{.}}
{{end}}{{end}}
## Question
{{.Query}}

## Answer format
Reply with ONE line and nothing else: INTENT_NAME|confidence
confidence is a decimal number between 0 and 1.
Example: SPELL_LOOKUP|0.82
`

// NewPromptBuilder parses the prompt template.
func NewPromptBuilder() (*PromptBuilder, error) {
	tmpl, err := template.New("classify").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(classifyPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse classify prompt: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// maxPromptExamples bounds the examples listed per intent.
const maxPromptExamples = 2

// Build renders the prompt for query and the optional prior turns.
func (b *PromptBuilder) Build(cat *Catalog, query string, history []string) (string, error) {
	data := PromptData{Query: strings.TrimSpace(query), History: history}
	for _, intent := range cat.Intents() {
		rule, _ := cat.Rule(intent)
		pi := promptIntent{Name: rule.Name, Description: rule.Description}
		if rule.Example != "" {
			pi.Examples = append(pi.Examples, rule.Example)
		}
		for _, ex := range rule.Examples {
			if len(pi.Examples) >= maxPromptExamples {
				break
			}
			if ex != rule.Example {
				pi.Examples = append(pi.Examples, ex)
			}
		}
		data.Intents = append(data.Intents, pi)
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render classify prompt: %w", err)
	}
	return buf.String(), nil
}
