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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"what's", "the", "browning", "max-power"}, Tokenize("What's the Browning Max-Power?"))
	assert.Empty(t, Tokenize("  ?! "))
}

func TestSignificantTokens(t *testing.T) {
	assert.Equal(t, []string{"initiative", "work"}, SignificantTokens("how does initiative work?"))
	assert.Empty(t, SignificantTokens("is it a"))
}

func TestExtractItemName(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"what is the damage of the Ares Predator?", "Ares Predator"},
		{"tell me about Fireball", "Fireball"},
		{"Tell me about Bear", "Bear"},
		{"Bear", "Bear"},
		{"what is the", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractItemName(tt.query), "query %q", tt.query)
	}
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "short", TruncateForLog("short", 10))
	assert.Len(t, TruncateForLog("a long string that needs cutting", 10), 10)

	t.Run("multibyte", func(t *testing.T) {
		for _, s := range []string{
			strings.Repeat("漢字", 40),
			"Fireball " + strings.Repeat("🙂", 30),
			strings.Repeat("é", 50),
		} {
			for _, n := range []int{1, 2, 3, 4, 5, 10, 80} {
				got := TruncateForLog(s, n)
				assert.True(t, utf8.ValidString(got), "len %d of %q gave %q", n, s, got)
				assert.LessOrEqual(t, len(got), n)
			}
		}
		assert.Equal(t, "漢...", TruncateForLog("漢字漢字", 8))
	})
}
