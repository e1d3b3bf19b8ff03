package learning

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/storage"
)

func newKnowledgeBase(t *testing.T) (*storage.MemoryDocumentStore, *KnowledgeBase) {
	t.Helper()

	docs := storage.NewMemoryDocumentStore()

	return docs, NewKnowledgeBase(docs, KnowledgeConfig{})
}

func TestAppendSupersedesPreviousGeneration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, kb := newKnowledgeBase(t)

	first, err := kb.Append(ctx, KnowledgeEntry{
		Kind:    EntryIssue,
		Subject: "sig-1",
		Title:   "schema mismatch on orders",
		Body:    map[string]any{"category": "data_quality"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.EntryID)
	assert.False(t, first.Superseded)

	second, err := kb.Append(ctx, KnowledgeEntry{
		Kind:    EntryIssue,
		Subject: "sig-1",
		Body:    map[string]any{"category": "data_quality", "refined": true},
	})
	require.NoError(t, err)

	old, err := kb.Get(ctx, first.EntryID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
	assert.Equal(t, second.EntryID, old.SupersededBy)

	active, err := kb.Active(ctx, EntryIssue)
	require.NoError(t, err)
	require.Len(t, active, 1, "one generation per subject stays active")
	assert.Equal(t, second.EntryID, active[0].EntryID)

	third, err := kb.Append(ctx, KnowledgeEntry{
		Kind:    EntryIssue,
		Subject: "sig-1",
		Body:    map[string]any{"category": "data_quality", "refined": "twice"},
	})
	require.NoError(t, err)

	middle, err := kb.Get(ctx, second.EntryID)
	require.NoError(t, err)
	assert.True(t, middle.Superseded)
	assert.Equal(t, third.EntryID, middle.SupersededBy)

	// A different subject never triggers the supersede chain.
	other, err := kb.Append(ctx, KnowledgeEntry{
		Kind:    EntryIssue,
		Subject: "sig-2",
		Body:    map[string]any{"category": "pipeline"},
	})
	require.NoError(t, err)

	active, err = kb.Active(ctx, EntryIssue)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	fetched, err := kb.Get(ctx, other.EntryID)
	require.NoError(t, err)
	assert.False(t, fetched.Superseded)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, kb := newKnowledgeBase(t)

	_, err := kb.Append(ctx, KnowledgeEntry{Kind: "rumor", Subject: "s", Body: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = kb.Append(ctx, KnowledgeEntry{Kind: EntryIssue, Body: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = kb.Append(ctx, KnowledgeEntry{Kind: EntryIssue, Subject: "s"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = kb.Append(ctx, KnowledgeEntry{
		Kind:         EntryIssue,
		Subject:      "s",
		Body:         map[string]any{"a": 1},
		UsageCount:   1,
		SuccessCount: 2,
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestActiveFiltersByKind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, kb := newKnowledgeBase(t)

	_, err := kb.Append(ctx, KnowledgeEntry{Kind: EntryIssue, Subject: "sig-1", Body: map[string]any{"a": 1}})
	require.NoError(t, err)
	_, err = kb.Append(ctx, KnowledgeEntry{Kind: EntryCorrection, Subject: "increase_nullable", Body: map[string]any{"a": 1}})
	require.NoError(t, err)

	issuesOnly, err := kb.Active(ctx, EntryIssue)
	require.NoError(t, err)
	require.Len(t, issuesOnly, 1)
	assert.Equal(t, EntryIssue, issuesOnly[0].Kind)

	all, err := kb.Active(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRelevanceFormula(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	fresh := KnowledgeEntry{UpdatedAt: now}
	assert.InDelta(t, math.Log1p(1)*0.5, fresh.Relevance(now), 1e-9,
		"an unused entry still scores above zero")

	proven := KnowledgeEntry{UsageCount: 10, SuccessCount: 8, UpdatedAt: now}
	assert.InDelta(t, math.Log1p(11)*(9.0/12.0), proven.Relevance(now), 1e-9)

	aged := KnowledgeEntry{UsageCount: 10, SuccessCount: 8, UpdatedAt: now.Add(-30 * 24 * time.Hour)}
	assert.InDelta(t, math.Log1p(11)*(9.0/12.0)*0.9, aged.Relevance(now), 1e-9)

	assert.Greater(t, proven.Relevance(now), fresh.Relevance(now))
	assert.Greater(t, proven.Relevance(now), aged.Relevance(now))
}

func TestRelevantOrdersAndLimits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, kb := newKnowledgeBase(t)

	hot, err := kb.Append(ctx, KnowledgeEntry{
		Kind: EntryIssue, Subject: "sig-hot", Body: map[string]any{"a": 1},
		UsageCount: 10, SuccessCount: 9,
	})
	require.NoError(t, err)

	mixed, err := kb.Append(ctx, KnowledgeEntry{
		Kind: EntryIssue, Subject: "sig-mixed", Body: map[string]any{"a": 1},
		UsageCount: 10, SuccessCount: 5,
	})
	require.NoError(t, err)

	cold, err := kb.Append(ctx, KnowledgeEntry{
		Kind: EntryIssue, Subject: "sig-cold", Body: map[string]any{"a": 1},
	})
	require.NoError(t, err)

	top, err := kb.Relevant(ctx, EntryIssue, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, hot.EntryID, top[0].EntryID)
	assert.Equal(t, mixed.EntryID, top[1].EntryID)

	all, err := kb.Relevant(ctx, EntryIssue, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, cold.EntryID, all[2].EntryID)
}

func TestRecordUsageBumpsCountersAndRecency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	_, kb := newKnowledgeBase(t)

	entry, err := kb.Append(ctx, KnowledgeEntry{
		Kind:    EntryCorrection,
		Subject: "increase_nullable",
		Body:    map[string]any{"strategy": "increase_nullable"},
	})
	require.NoError(t, err)
	require.Nil(t, entry.LastUsedAt)

	used, err := kb.RecordUsage(ctx, entry.EntryID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, used.UsageCount)
	assert.Equal(t, 1, used.SuccessCount)
	assert.InDelta(t, 1.0, used.SuccessRate, 1e-9)
	require.NotNil(t, used.LastUsedAt)

	used, err = kb.RecordUsage(ctx, entry.EntryID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, used.UsageCount)
	assert.Equal(t, 1, used.SuccessCount)
	assert.InDelta(t, 0.5, used.SuccessRate, 1e-9)

	_, err = kb.RecordUsage(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
