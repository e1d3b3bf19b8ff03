package inference

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelGuardPredict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	guard := NewModelGuard(nil)

	_, err := guard.Predict(context.Background(), "", map[string]float64{"x": 1})
	assert.ErrorIs(t, err, ErrNoChampion)

	model, err := NewLocalModel(testArtifact())
	require.NoError(t, err)

	previous := guard.Swap(model)
	assert.Nil(t, previous)

	prediction, err := guard.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.9})
	require.NoError(t, err)
	assert.Equal(t, "3", prediction.ModelVersion)
}

func TestModelGuardSwapReturnsPrevious(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first, err := NewLocalModel(testArtifact())
	require.NoError(t, err)

	promoted := testArtifact()
	promoted.Version = "4"

	second, err := NewLocalModel(promoted)
	require.NoError(t, err)

	guard := NewModelGuard(first)

	assert.Same(t, first, guard.Swap(second))
	assert.Same(t, second, guard.Champion())
}

func TestModelGuardConcurrentSwap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	old, err := NewLocalModel(testArtifact())
	require.NoError(t, err)

	promoted := testArtifact()
	promoted.Version = "4"

	next, err := NewLocalModel(promoted)
	require.NoError(t, err)

	guard := NewModelGuard(old)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				prediction, err := guard.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.5})
				assert.NoError(t, err)

				// Every reader sees a complete model, old or new.
				assert.Contains(t, []string{"3", "4"}, prediction.ModelVersion)
			}
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for j := 0; j < 100; j++ {
			guard.Swap(next)
			guard.Swap(old)
		}

		guard.Swap(next)
	}()

	wg.Wait()

	assert.Same(t, next, guard.Champion())
}
