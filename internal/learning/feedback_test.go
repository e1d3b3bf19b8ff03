package learning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// learningHarness wires the learning stores over one in-memory document store.
type learningHarness struct {
	docs      *storage.MemoryDocumentStore
	actions   *patterns.Store
	collector *FeedbackCollector
}

func newLearningHarness(t *testing.T) *learningHarness {
	t.Helper()

	docs := storage.NewMemoryDocumentStore()
	store := patterns.NewStore(docs, patterns.StoreConfig{})

	return &learningHarness{
		docs:      docs,
		actions:   store,
		collector: NewFeedbackCollector(docs, CollectorConfig{Actions: store}),
	}
}

// seedActionFixture registers one pattern with one active action, both with 8
// successes in 10 runs.
func seedActionFixture(t *testing.T, h *learningHarness) (*patterns.Pattern, *patterns.Action) {
	t.Helper()

	pattern, err := h.actions.CreatePattern(context.Background(), patterns.Pattern{
		Name:                "data_quality/schema_mismatch",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "schema_mismatch"},
		ConfidenceThreshold: 0.8,
		OccurrenceCount:     10,
		SuccessCount:        8,
	})
	require.NoError(t, err)

	action, err := h.actions.CreateAction(context.Background(), patterns.Action{
		Kind:           patterns.ActionSchemaEvolution,
		Name:           "increase_nullable",
		PatternID:      pattern.PatternID,
		Parameters:     map[string]any{"strategy": "increase_nullable"},
		ExecutionCount: 10,
		SuccessCount:   8,
		Active:         true,
	})
	require.NoError(t, err)

	return pattern, action
}

// seedFeedback writes a feedback document directly, bypassing Record, so
// tests control timestamps and skip counter propagation.
func seedFeedback(t *testing.T, docs *storage.MemoryDocumentStore, feedback Feedback) Feedback {
	t.Helper()

	if feedback.FeedbackID == "" {
		feedback.FeedbackID = uuid.NewString()
	}

	if feedback.ActionID == "" {
		feedback.ActionID = "act-" + feedback.FeedbackID
	}

	if feedback.Kind == "" {
		feedback.Kind = FeedbackAutomatic
	}

	if feedback.Confidence == 0 {
		feedback.Confidence = 1
	}

	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}

	require.NoError(t, docs.Set(context.Background(), CollectionFeedback, feedback.FeedbackID, feedback))

	return feedback
}

func TestRecordCommitsFeedbackAndCounterTogether(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	h := newLearningHarness(t)
	pattern, action := seedActionFixture(t, h)

	stored, err := h.collector.Record(ctx, Feedback{
		ActionID:   action.ActionID,
		PatternID:  pattern.PatternID,
		Kind:       FeedbackResolution,
		Category:   issues.CategoryDataQuality,
		Successful: true,
		Comment:    "schema bump fixed the load",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, stored.FeedbackID)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.InDelta(t, 1.0, stored.Confidence, 1e-9, "unqualified feedback defaults to full confidence")

	updated, err := h.actions.GetAction(ctx, action.ActionID)
	require.NoError(t, err)
	assert.Equal(t, 11, updated.ExecutionCount)
	assert.Equal(t, 9, updated.SuccessCount)
	assert.InDelta(t, 9.0/11.0, updated.SuccessRate, 1e-9)

	fetched, err := h.collector.Get(ctx, stored.FeedbackID)
	require.NoError(t, err)
	assert.Equal(t, action.ActionID, fetched.ActionID)
	assert.Equal(t, FeedbackResolution, fetched.Kind)

	_, err = h.collector.Record(ctx, Feedback{
		ActionID:   action.ActionID,
		Kind:       FeedbackAutomatic,
		Successful: false,
	})
	require.NoError(t, err)

	updated, err = h.actions.GetAction(ctx, action.ActionID)
	require.NoError(t, err)
	assert.Equal(t, 12, updated.ExecutionCount)
	assert.Equal(t, 9, updated.SuccessCount, "failures count executions, not successes")
}

func TestRecordRejectsInvalidFeedback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	h := newLearningHarness(t)
	_, action := seedActionFixture(t, h)

	_, err := h.collector.Record(ctx, Feedback{ActionID: action.ActionID, Kind: "vibes"})
	assert.ErrorIs(t, err, ErrInvalidFeedback)

	_, err = h.collector.Record(ctx, Feedback{Kind: FeedbackManual})
	assert.ErrorIs(t, err, ErrInvalidFeedback)

	_, err = h.collector.Record(ctx, Feedback{ActionID: action.ActionID, Kind: FeedbackManual, Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidFeedback)

	assert.Equal(t, 0, h.docs.Count(CollectionFeedback), "invalid feedback is never persisted")
}

func TestRecordUnknownActionRollsBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	h := newLearningHarness(t)
	seedActionFixture(t, h)

	_, err := h.collector.Record(ctx, Feedback{
		ActionID:   "act-404",
		Kind:       FeedbackManual,
		Successful: true,
	})
	require.ErrorIs(t, err, patterns.ErrActionNotFound)

	assert.Equal(t, 0, h.docs.Count(CollectionFeedback),
		"the feedback document rolls back with the failed counter bump")
}

func TestRecordWithoutActionStoreSkipsCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	docs := storage.NewMemoryDocumentStore()
	collector := NewFeedbackCollector(docs, CollectorConfig{})

	stored, err := collector.Record(ctx, Feedback{
		ActionID:   "act-external",
		Kind:       FeedbackInferred,
		Successful: true,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, stored.FeedbackID)
	assert.Equal(t, 1, docs.Count(CollectionFeedback))
}

func TestWindowAndForAction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	h := newLearningHarness(t)
	now := time.Now().UTC()

	seedFeedback(t, h.docs, Feedback{ActionID: "act-1", CreatedAt: now.Add(-10 * 24 * time.Hour)})
	seedFeedback(t, h.docs, Feedback{ActionID: "act-1", CreatedAt: now.Add(-time.Hour)})
	seedFeedback(t, h.docs, Feedback{ActionID: "act-2", CreatedAt: now.Add(-time.Hour)})

	recent, err := h.collector.Window(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	forAction, err := h.collector.ForAction(ctx, "act-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, forAction, 1)
	assert.Equal(t, "act-1", forAction[0].ActionID)

	all, err := h.collector.ForAction(ctx, "act-1", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPruneDropsExpiredFeedback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	docs := storage.NewMemoryDocumentStore()
	collector := NewFeedbackCollector(docs, CollectorConfig{Retention: 30 * 24 * time.Hour})
	now := time.Now().UTC()

	seedFeedback(t, docs, Feedback{ActionID: "act-1", CreatedAt: now.Add(-40 * 24 * time.Hour)})
	seedFeedback(t, docs, Feedback{ActionID: "act-1", CreatedAt: now.Add(-35 * 24 * time.Hour)})
	kept := seedFeedback(t, docs, Feedback{ActionID: "act-1", CreatedAt: now.Add(-time.Hour)})

	pruned, err := collector.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	assert.Equal(t, 1, docs.Count(CollectionFeedback))

	remaining, err := collector.Get(ctx, kept.FeedbackID)
	require.NoError(t, err)
	assert.Equal(t, kept.FeedbackID, remaining.FeedbackID)

	pruned, err = collector.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned, "a second pass finds nothing expired")
}
