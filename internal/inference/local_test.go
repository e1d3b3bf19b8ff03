package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact() *ModelArtifact {
	return &ModelArtifact{
		ModelID:     "issue-classifier",
		Version:     "3",
		TrainedAt:   time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		SampleCount: 120,
		Features:    []string{"null_ratio", "timeout_seconds"},
		Labels:      []string{"data_quality", "pipeline"},
		Weights: map[string]map[string]float64{
			"data_quality": {"null_ratio": 4.0, "timeout_seconds": -0.5},
			"pipeline":     {"null_ratio": -1.0, "timeout_seconds": 2.0},
		},
		Bias:          map[string]float64{"data_quality": 0.1, "pipeline": 0.0},
		Metrics:       map[string]float64{"f1": 0.91, "accuracy": 0.93},
		PrimaryMetric: "f1",
	}
}

func TestArtifactValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		mutate func(a *ModelArtifact)
	}{
		{name: "missing model id", mutate: func(a *ModelArtifact) { a.ModelID = "" }},
		{name: "missing version", mutate: func(a *ModelArtifact) { a.Version = "" }},
		{name: "no labels", mutate: func(a *ModelArtifact) { a.Labels = nil }},
		{name: "label without weights", mutate: func(a *ModelArtifact) { delete(a.Weights, "pipeline") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := testArtifact()
			tt.mutate(artifact)

			assert.ErrorIs(t, artifact.Validate(), ErrBadArtifact)
		})
	}

	assert.NoError(t, testArtifact().Validate())
	assert.InDelta(t, 0.91, testArtifact().PrimaryScore(), 1e-9)
}

func TestLoadArtifact(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("round trip from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "champion.json")
		payload := `{
			"model_id": "issue-classifier",
			"version": "1",
			"labels": ["data_quality"],
			"weights": {"data_quality": {"null_ratio": 1.0}},
			"bias": {"data_quality": 0.0},
			"metrics": {"f1": 0.8},
			"primary_metric": "f1"
		}`
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

		artifact, err := LoadArtifact(path)
		require.NoError(t, err)
		assert.Equal(t, "issue-classifier", artifact.ModelID)
		assert.InDelta(t, 0.8, artifact.PrimaryScore(), 1e-9)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadArtifact(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("malformed payload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

		_, err := LoadArtifact(path)
		assert.ErrorIs(t, err, ErrBadArtifact)
	})
}

func TestLocalModelPredict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	model, err := NewLocalModel(testArtifact())
	require.NoError(t, err)

	t.Run("quality features pick the quality label", func(t *testing.T) {
		prediction, err := model.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.9})
		require.NoError(t, err)

		assert.Equal(t, "data_quality", prediction.Label)
		assert.Greater(t, prediction.Confidence, 0.5)
		assert.Equal(t, "issue-classifier", prediction.ModelID)
		assert.Equal(t, "3", prediction.ModelVersion)
	})

	t.Run("timeout features pick the pipeline label", func(t *testing.T) {
		prediction, err := model.Predict(context.Background(), "", map[string]float64{"timeout_seconds": 3})
		require.NoError(t, err)

		assert.Equal(t, "pipeline", prediction.Label)
	})

	t.Run("scores form a distribution", func(t *testing.T) {
		prediction, err := model.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.3, "timeout_seconds": 1})
		require.NoError(t, err)

		total := 0.0
		for _, score := range prediction.Predictions {
			assert.GreaterOrEqual(t, score, 0.0)
			total += score
		}

		assert.InDelta(t, 1.0, total, 1e-9)
		assert.InDelta(t, prediction.Predictions[prediction.Label], prediction.Confidence, 1e-9)
	})

	t.Run("unknown features contribute nothing", func(t *testing.T) {
		baseline, err := model.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.9})
		require.NoError(t, err)

		withNoise, err := model.Predict(context.Background(), "", map[string]float64{"null_ratio": 0.9, "mystery": 42})
		require.NoError(t, err)

		assert.Equal(t, baseline.Label, withNoise.Label)
		assert.InDelta(t, baseline.Confidence, withNoise.Confidence, 1e-9)
	})

	t.Run("nil artifact rejected", func(t *testing.T) {
		_, err := NewLocalModel(nil)
		assert.ErrorIs(t, err, ErrBadArtifact)
	})
}
