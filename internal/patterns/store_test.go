package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

func newPatternStore(t *testing.T) (*Store, *storage.MemoryDocumentStore) {
	t.Helper()

	docs := storage.NewMemoryDocumentStore()

	return NewStore(docs, StoreConfig{}), docs
}

func seedPattern(t *testing.T, store *Store) *Pattern {
	t.Helper()

	pattern, err := store.CreatePattern(context.Background(), Pattern{
		Name:                "data_quality/schema_mismatch",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "schema_mismatch"},
		ConfidenceThreshold: 0.8,
	})
	require.NoError(t, err)

	return pattern
}

func TestCreateAndGetPattern(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)

	created, err := store.CreatePattern(ctx, Pattern{
		Name:                "data_quality/missing_values",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "missing_values", "column": "amount"},
		ConfidenceThreshold: 0.7,
		OccurrenceCount:     4,
		SuccessCount:        3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.PatternID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.LastSeen.IsZero())
	assert.InDelta(t, 0.75, created.SuccessRate, 1e-9, "rate rewritten from seeded counters")

	fetched, err := store.GetPattern(ctx, created.PatternID)
	require.NoError(t, err)
	assert.Equal(t, created.PatternID, fetched.PatternID)
	assert.Equal(t, "missing_values", fetched.Features["error_kind"])

	_, err = store.GetPattern(ctx, "pat-404")
	assert.ErrorIs(t, err, ErrPatternNotFound)

	_, err = store.CreatePattern(ctx, Pattern{Name: "no features", Category: issues.CategoryPipeline})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestListPatternsByCategory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)

	for _, p := range []Pattern{
		{Name: "data_quality/a", Category: issues.CategoryDataQuality, Features: map[string]any{"error_kind": "a"}, ConfidenceThreshold: 0.6},
		{Name: "data_quality/b", Category: issues.CategoryDataQuality, Features: map[string]any{"error_kind": "b"}, ConfidenceThreshold: 0.6},
		{Name: "system/c", Category: issues.CategorySystem, Features: map[string]any{"error_kind": "c"}, ConfidenceThreshold: 0.6},
	} {
		_, err := store.CreatePattern(ctx, p)
		require.NoError(t, err)
	}

	quality, err := store.ListPatterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	assert.Len(t, quality, 2)

	all, err := store.ListPatterns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := store.ListPatterns(ctx, issues.CategoryResource)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdatePatternStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	pattern := seedPattern(t, store)

	after, err := store.UpdatePatternStats(ctx, pattern.PatternID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, after.OccurrenceCount)
	assert.Equal(t, 1, after.SuccessCount)
	assert.InDelta(t, 1.0, after.SuccessRate, 1e-9)

	after, err = store.UpdatePatternStats(ctx, pattern.PatternID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, after.OccurrenceCount)
	assert.Equal(t, 1, after.SuccessCount)
	assert.InDelta(t, 0.5, after.SuccessRate, 1e-9)
	assert.False(t, after.LastSeen.Before(pattern.LastSeen))

	_, err = store.UpdatePatternStats(ctx, "pat-404", true)
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestActionLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	pattern := seedPattern(t, store)

	t.Run("create rejects unknown pattern", func(t *testing.T) {
		_, err := store.CreateAction(ctx, Action{
			Kind:      ActionSchemaEvolution,
			PatternID: "pat-404",
		})
		assert.ErrorIs(t, err, ErrPatternNotFound)
	})

	created, err := store.CreateAction(ctx, Action{
		Kind:       ActionSchemaEvolution,
		Name:       "evolve to compatible schema",
		PatternID:  pattern.PatternID,
		Parameters: map[string]any{"mode": "BACKWARD"},
		Active:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ActionID)

	inactive, err := store.CreateAction(ctx, Action{
		Kind:      ActionPipelineRetry,
		Name:      "retry with backoff",
		PatternID: pattern.PatternID,
	})
	require.NoError(t, err)

	t.Run("list active only", func(t *testing.T) {
		active, err := store.ListActions(ctx, pattern.PatternID, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, created.ActionID, active[0].ActionID)

		all, err := store.ListActions(ctx, pattern.PatternID, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("activity toggle", func(t *testing.T) {
		require.NoError(t, store.SetActionActive(ctx, inactive.ActionID, true))

		active, err := store.ListActions(ctx, pattern.PatternID, true)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		assert.ErrorIs(t, store.SetActionActive(ctx, "act-404", true), ErrActionNotFound)
	})

	t.Run("stats update", func(t *testing.T) {
		after, err := store.UpdateActionStats(ctx, created.ActionID, true)
		require.NoError(t, err)
		assert.Equal(t, 1, after.ExecutionCount)
		assert.InDelta(t, 1.0, after.SuccessRate, 1e-9)

		_, err = store.UpdateActionStats(ctx, "act-404", true)
		assert.ErrorIs(t, err, ErrActionNotFound)
	})
}

func TestRecordOutcomeBumpsBothCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	pattern := seedPattern(t, store)

	action, err := store.CreateAction(ctx, Action{
		Kind:      ActionDataCorrection,
		Name:      "impute",
		PatternID: pattern.PatternID,
		Active:    true,
	})
	require.NoError(t, err)

	require.NoError(t, store.RecordOutcome(ctx, pattern.PatternID, action.ActionID, true))
	require.NoError(t, store.RecordOutcome(ctx, pattern.PatternID, action.ActionID, false))

	gotPattern, err := store.GetPattern(ctx, pattern.PatternID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotPattern.OccurrenceCount)
	assert.Equal(t, 1, gotPattern.SuccessCount)
	assert.InDelta(t, 0.5, gotPattern.SuccessRate, 1e-9)

	gotAction, err := store.GetAction(ctx, action.ActionID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotAction.ExecutionCount)
	assert.Equal(t, 1, gotAction.SuccessCount)
	assert.InDelta(t, 0.5, gotAction.SuccessRate, 1e-9)
}

func TestRecordOutcomeRollsBackOnUnknownAction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	pattern := seedPattern(t, store)

	err := store.RecordOutcome(ctx, pattern.PatternID, "act-404", true)
	assert.ErrorIs(t, err, ErrActionNotFound)

	// The staged pattern bump must not survive the failed transaction.
	got, err := store.GetPattern(ctx, pattern.PatternID)
	require.NoError(t, err)
	assert.Zero(t, got.OccurrenceCount)
	assert.Zero(t, got.SuccessCount)
}
