// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clarify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRules/services/rules/config"
	"github.com/AleutianAI/AleutianRules/services/rules/learning"
	"github.com/AleutianAI/AleutianRules/services/rules/routing"
	"github.com/AleutianAI/AleutianRules/services/rules/store"
)

// ===== Fakes =====

type fakeStore struct {
	mu          sync.Mutex
	interaction map[string]store.ClarificationInteraction
	insertErr   error
	getErr      error
	resolveErr  error
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{interaction: make(map[string]store.ClarificationInteraction)}
}

func (f *fakeStore) InsertInteraction(_ context.Context, ci store.ClarificationInteraction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.nextID++
	ci.ID = string(rune('a' + f.nextID - 1))
	f.interaction[ci.ID] = ci
	return ci.ID, nil
}

func (f *fakeStore) GetInteraction(_ context.Context, id string) (store.ClarificationInteraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.ClarificationInteraction{}, f.getErr
	}
	ci, ok := f.interaction[id]
	if !ok {
		return store.ClarificationInteraction{}, store.ErrNotFound
	}
	return ci, nil
}

func (f *fakeStore) ResolveInteraction(_ context.Context, id, selected, intent string, helpful bool) (store.ClarificationInteraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return store.ClarificationInteraction{}, f.resolveErr
	}
	ci := f.interaction[id]
	if ci.Resolved() {
		return ci, store.ErrAlreadyResolved
	}
	ci.ResolvedAt = time.Now()
	ci.SelectedOption = selected
	ci.ResolvedIntent = intent
	ci.WasHelpful = &helpful
	f.interaction[id] = ci
	return ci, nil
}

type recordingLearner struct {
	mu      sync.Mutex
	queries []string
	intents []routing.Intent
	err     error
}

func (l *recordingLearner) LearnFromResolution(_ context.Context, q string, in routing.Intent) (learning.Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, q)
	l.intents = append(l.intents, in)
	return learning.Summary{Extracted: 1, Created: 1}, l.err
}

// recordBear records the bare-entity clarification for "Bear" and returns
// its id.
func recordBear(t *testing.T, e *Engine) string {
	t.Helper()
	cat := testCatalog(t)
	original := cat.Default("Bear", "")
	req := e.GenerateClarification(context.Background(), "Bear", original, nil)
	id := e.RecordRequest(context.Background(), req, original)
	require.NotEmpty(t, id)
	return id
}

// ===== Recording =====

func TestRecordClarification(t *testing.T) {
	fs := newFakeStore()
	e := newTestEngine(t, fs, nil)

	id := e.RecordClarification(context.Background(), "Bear", cls(routing.IntentRulesQuestion, 0.1),
		[]Option{{Intent: routing.IntentTotemLookup}, {Intent: routing.IntentSpellLookup}}, "")
	require.NotEmpty(t, id)

	ci := fs.interaction[id]
	assert.Equal(t, "Bear", ci.Query)
	assert.Equal(t, "RULES_QUESTION", ci.OriginalIntent)
	assert.Equal(t, []string{"TOTEM_LOOKUP", "SPELL_LOOKUP"}, ci.Options)
}

func TestRecordClarification_StoreFailureReturnsEmptyID(t *testing.T) {
	fs := newFakeStore()
	fs.insertErr = errors.New("database is locked")
	e := newTestEngine(t, fs, nil)

	id := e.RecordClarification(context.Background(), "Bear", cls(routing.IntentRulesQuestion, 0.1), nil, "")
	assert.Empty(t, id)
}

func TestRecordClarification_NoStore(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	assert.Empty(t, e.RecordClarification(context.Background(), "Bear", cls(routing.IntentRulesQuestion, 0.1), nil, ""))
}

func TestRecordRequest_StoresAmbiguityAndOptions(t *testing.T) {
	fs := newFakeStore()
	e := newTestEngine(t, fs, nil)

	id := recordBear(t, e)
	ci := fs.interaction[id]
	assert.Equal(t, string(EntityAmbiguous), ci.AmbiguityType)
	require.NotEmpty(t, ci.Options)
	assert.Equal(t, "TOTEM_LOOKUP", ci.Options[0])
}

// ===== Feedback =====

func TestProcessClarificationFeedback_Selections(t *testing.T) {
	tests := []struct {
		name      string
		selection string
		intent    routing.Intent
		want      routing.Intent
		helpful   bool
		learned   bool
	}{
		{"option number", "1", "", routing.IntentTotemLookup, true, true},
		{"intent name", "spell_lookup", "", routing.IntentSpellLookup, true, true},
		{"free text", "the totem one", "", routing.IntentTotemLookup, true, true},
		{"label", "look up a spell", "", routing.IntentSpellLookup, true, true},
		{"explicit intent wins", "1", routing.IntentMetatypeLookup, routing.IntentMetatypeLookup, false, true},
		{"out of range number", "42", "", "", false, false},
		{"no match", "qqq zzz", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			l := &recordingLearner{}
			e := newTestEngine(t, fs, l)
			id := recordBear(t, e)

			fb, err := e.ProcessClarificationFeedback(context.Background(), id, tt.selection, tt.intent)
			require.NoError(t, err)
			assert.True(t, fb.Recorded)
			assert.Equal(t, tt.want, fb.ResolvedIntent)
			assert.Equal(t, tt.helpful, fb.Helpful)

			ci := fs.interaction[id]
			assert.Equal(t, string(tt.want), ci.ResolvedIntent)
			require.NotNil(t, ci.WasHelpful)
			assert.Equal(t, tt.helpful, *ci.WasHelpful)

			if tt.learned {
				require.Len(t, l.intents, 1)
				assert.Equal(t, tt.want, l.intents[0])
				assert.Equal(t, "Bear", l.queries[0])
				assert.Equal(t, 1, fb.Learned.Created)
			} else {
				assert.Empty(t, l.intents)
			}
		})
	}
}

func TestProcessClarificationFeedback_Errors(t *testing.T) {
	t.Run("empty id", func(t *testing.T) {
		e := newTestEngine(t, newFakeStore(), nil)
		_, err := e.ProcessClarificationFeedback(context.Background(), " ", "1", "")
		assert.ErrorIs(t, err, routing.ErrStageInput)
	})

	t.Run("unknown id", func(t *testing.T) {
		e := newTestEngine(t, newFakeStore(), nil)
		_, err := e.ProcessClarificationFeedback(context.Background(), "nope", "1", "")
		assert.ErrorIs(t, err, ErrUnknownInteraction)
	})

	t.Run("load failure is swallowed", func(t *testing.T) {
		fs := newFakeStore()
		e := newTestEngine(t, fs, nil)
		id := recordBear(t, e)
		fs.getErr = errors.New("disk I/O error")

		fb, err := e.ProcessClarificationFeedback(context.Background(), id, "1", "")
		assert.NoError(t, err)
		assert.False(t, fb.Recorded)
	})

	t.Run("resolve failure is swallowed and skips learning", func(t *testing.T) {
		fs := newFakeStore()
		l := &recordingLearner{}
		e := newTestEngine(t, fs, l)
		id := recordBear(t, e)
		fs.resolveErr = errors.New("disk I/O error")

		fb, err := e.ProcessClarificationFeedback(context.Background(), id, "1", "")
		assert.NoError(t, err)
		assert.False(t, fb.Recorded)
		assert.Empty(t, l.intents)
	})

	t.Run("learning failure is swallowed", func(t *testing.T) {
		fs := newFakeStore()
		l := &recordingLearner{err: routing.ErrPersistence}
		e := newTestEngine(t, fs, l)
		id := recordBear(t, e)

		fb, err := e.ProcessClarificationFeedback(context.Background(), id, "1", "")
		assert.NoError(t, err)
		assert.True(t, fb.Recorded)
		assert.Len(t, l.intents, 1)
	})
}

func TestProcessClarificationFeedback_RepeatIsRejected(t *testing.T) {
	fs := newFakeStore()
	l := &recordingLearner{}
	e := newTestEngine(t, fs, l)
	id := recordBear(t, e)

	first, err := e.ProcessClarificationFeedback(context.Background(), id, "1", "")
	require.NoError(t, err)
	require.True(t, first.Recorded)

	for _, intent := range []routing.Intent{"", routing.IntentSpellLookup} {
		again, err := e.ProcessClarificationFeedback(context.Background(), id, "2", intent)
		require.ErrorIs(t, err, ErrAlreadyResolved)
		assert.False(t, again.Recorded)
		assert.Equal(t, routing.IntentTotemLookup, again.ResolvedIntent)
		assert.True(t, again.Helpful)
	}

	assert.Equal(t, []routing.Intent{routing.IntentTotemLookup}, l.intents)
	assert.Equal(t, "TOTEM_LOOKUP", fs.interaction[id].ResolvedIntent)
}

func TestProcessClarificationFeedback_LostResolveRace(t *testing.T) {
	fs := newFakeStore()
	l := &recordingLearner{}
	e := newTestEngine(t, fs, l)
	id := recordBear(t, e)
	fs.resolveErr = store.ErrAlreadyResolved

	fb, err := e.ProcessClarificationFeedback(context.Background(), id, "1", "")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	assert.False(t, fb.Recorded)
	assert.Empty(t, l.intents)
}

func TestMatchSelection(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	presented := []routing.Intent{routing.IntentTotemLookup, routing.IntentSpellLookup, routing.IntentGearLookup}

	assert.Equal(t, routing.IntentSpellLookup, e.MatchSelection("2", presented))
	assert.Equal(t, routing.IntentGearLookup, e.MatchSelection("GEAR_LOOKUP", presented))
	assert.Equal(t, routing.IntentTotemLookup, e.MatchSelection("totem", presented))
	assert.Equal(t, routing.IntentGearLookup, e.MatchSelection("I meant the gear", presented))
	assert.Equal(t, routing.Intent(""), e.MatchSelection("", presented))
	assert.Equal(t, routing.Intent(""), e.MatchSelection("0", presented))
	assert.Equal(t, routing.Intent(""), e.MatchSelection("totem", nil))
}

// ===== End to end with the SQLite store and learning engine =====

func TestClarificationLoop_LearnsFromResolution(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "rules.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	learner := learning.NewEngine(st, config.LearningConfig{MinOccurrences: 3, MinSuccessRate: 0.5, MaxExamples: 10}, nil)
	e := newTestEngine(t, st, learner)

	id := recordBear(t, e)
	fb, err := e.ProcessClarificationFeedback(ctx, id, "the totem one", "")
	require.NoError(t, err)
	assert.True(t, fb.Recorded)
	assert.True(t, fb.Helpful)
	assert.Equal(t, routing.IntentTotemLookup, fb.ResolvedIntent)
	assert.Equal(t, 1, fb.Learned.Created)

	ci, err := st.GetInteraction(ctx, id)
	require.NoError(t, err)
	assert.True(t, ci.Resolved())
	assert.Equal(t, "TOTEM_LOOKUP", ci.ResolvedIntent)

	patterns, err := st.ListPatterns(ctx, store.PatternFilter{Intent: "TOTEM_LOOKUP"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "bear", patterns[0].Text)

	// Retried feedback neither re-resolves nor re-learns.
	for range 2 {
		_, err = e.ProcessClarificationFeedback(ctx, id, "the totem one", routing.IntentTotemLookup)
		require.ErrorIs(t, err, ErrAlreadyResolved)
	}
	patterns, err = st.ListPatterns(ctx, store.PatternFilter{Intent: "TOTEM_LOOKUP"})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 1, patterns[0].Occurrences)
	assert.Equal(t, 1, patterns[0].Successes)

	perf, err := st.Performance(ctx, 1)
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, 1, perf[0].ClarificationsShown)
	assert.Equal(t, 1, perf[0].Resolved)
	assert.Equal(t, 1, perf[0].PatternsLearned)
}
