package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
)

func TestCacheServesFromStoreOnceUntilInvalidated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	seedPattern(t, store)

	cache, err := NewCache(store, CacheConfig{TTL: time.Minute})
	require.NoError(t, err)

	first, err := cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A pattern created behind the cache stays invisible until invalidation.
	_, err = store.CreatePattern(ctx, Pattern{
		Name:                "data_quality/missing_values",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "missing_values"},
		ConfidenceThreshold: 0.7,
	})
	require.NoError(t, err)

	cached, err := cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	cache.Invalidate(issues.CategoryDataQuality)

	fresh, err := cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCacheEntriesExpire(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	seedPattern(t, store)

	cache, err := NewCache(store, CacheConfig{TTL: 5 * time.Millisecond})
	require.NoError(t, err)

	_, err = cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)

	_, err = store.CreatePattern(ctx, Pattern{
		Name:                "data_quality/outliers",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "outliers"},
		ConfidenceThreshold: 0.7,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	fresh, err := cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	assert.Len(t, fresh, 2, "expired entry must be reloaded")
	assert.Equal(t, uint64(2), cache.Stats().Misses)
}

func TestCacheInvalidateAllDropsEveryEntry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newPatternStore(t)
	seedPattern(t, store)

	cache, err := NewCache(store, CacheConfig{})
	require.NoError(t, err)

	_, err = cache.Patterns(ctx, issues.CategoryDataQuality)
	require.NoError(t, err)
	_, err = cache.Patterns(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Stats().Entries)

	cache.InvalidateAll()
	assert.Zero(t, cache.Stats().Entries)
}
