package issues

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/faults"
	"github.com/pipemend-io/pipemend/internal/inference"
)

// staticModel is an inference client pinned to one prediction.
type staticModel struct {
	prediction *inference.Prediction
	err        error
}

func (m *staticModel) Predict(context.Context, string, map[string]float64) (*inference.Prediction, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.prediction, nil
}

func TestClassifyRuleVerdicts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	classifier := NewClassifier(ClassifierConfig{})

	tests := []struct {
		name           string
		descriptor     IssueDescriptor
		category       Category
		issueType      string
		severity       faults.Severity
		recoverability faults.Recoverability
		confidence     float64
	}{
		{
			name:           "schema mismatch maps to data quality",
			descriptor:     IssueDescriptor{ErrorMessage: "schema mismatch detected during load"},
			category:       CategoryDataQuality,
			issueType:      "schema_mismatch",
			severity:       faults.SeverityMedium,
			recoverability: faults.ManualRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "null values refine the validation type",
			descriptor:     IssueDescriptor{ErrorMessage: "validation failed: null value in column amount"},
			category:       CategoryDataQuality,
			issueType:      "missing_values",
			severity:       faults.SeverityLow,
			recoverability: faults.ManualRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "timeout maps to pipeline and stays retryable",
			descriptor:     IssueDescriptor{ErrorMessage: "operation timed out after 300s", RetryCount: 1},
			category:       CategoryPipeline,
			issueType:      "task_timeout",
			severity:       faults.SeverityMedium,
			recoverability: faults.AutoRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "memory pressure maps to resource",
			descriptor:     IssueDescriptor{ErrorMessage: "container killed: out of memory", RetryCount: 1},
			category:       CategoryResource,
			issueType:      "memory_exhaustion",
			severity:       faults.SeverityMedium,
			recoverability: faults.AutoRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "connection failure maps to system",
			descriptor:     IssueDescriptor{ErrorMessage: "dial tcp 10.0.0.7:5432: connection refused", RetryCount: 1},
			category:       CategorySystem,
			issueType:      "connection_failure",
			severity:       faults.SeverityMedium,
			recoverability: faults.AutoRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "circuit breaker text keeps the fail-fast verdict",
			descriptor:     IssueDescriptor{ErrorMessage: `circuit breaker open: service "metadata-store"`},
			category:       CategorySystem,
			issueType:      "downstream_unavailable",
			severity:       faults.SeverityMedium,
			recoverability: faults.NonRecoverable,
			confidence:     confidenceMatched,
		},
		{
			name:           "unclassifiable message gets guess confidence",
			descriptor:     IssueDescriptor{ErrorMessage: "something odd happened"},
			category:       CategoryPipeline,
			issueType:      "unclassified_failure",
			severity:       faults.SeverityMedium,
			recoverability: faults.ManualRecoverable,
			confidence:     confidenceUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classification, err := classifier.Classify(ctx, &tt.descriptor)
			require.NoError(t, err)

			assert.NotEmpty(t, classification.IssueID)
			assert.Equal(t, tt.category, classification.Category)
			assert.Equal(t, tt.issueType, classification.IssueType)
			assert.Equal(t, tt.severity, classification.Severity)
			assert.Equal(t, tt.recoverability, classification.Recoverability)
			assert.InDelta(t, tt.confidence, classification.Confidence, 1e-9)
			assert.NotEmpty(t, classification.RecommendedAction)
			assert.Equal(t, tt.issueType, classification.Features["error_kind"])
		})
	}
}

func TestClassifyRetryExhaustionEscalates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	classifier := NewClassifier(ClassifierConfig{
		Faults: faults.NewClassifier(faults.ClassifierConfig{MaxRetryAttempts: 3}),
	})

	descriptor := IssueDescriptor{ErrorMessage: "operation timed out"}

	for _, attempt := range []int{1, 2} {
		descriptor.RetryCount = attempt

		classification, err := classifier.Classify(ctx, &descriptor)
		require.NoError(t, err)
		assert.Equal(t, faults.AutoRecoverable, classification.Recoverability, "attempt %d", attempt)
		assert.Equal(t, faults.SeverityMedium, classification.Severity)
	}

	descriptor.RetryCount = 3

	classification, err := classifier.Classify(ctx, &descriptor)
	require.NoError(t, err)
	assert.Equal(t, faults.ManualRecoverable, classification.Recoverability, "budget spent")
	assert.Equal(t, faults.SeverityHigh, classification.Severity, "exhaustion bumps severity one level")
}

func TestClassifyExplicitFaultCategory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	classifier := NewClassifier(ClassifierConfig{})

	classification, err := classifier.Classify(ctx, &IssueDescriptor{
		ErrorMessage: "downstream rejected batch 42",
		Context:      map[string]any{"fault_category": "data"},
	})
	require.NoError(t, err)

	assert.Equal(t, CategoryDataQuality, classification.Category)
	assert.InDelta(t, confidenceExplicit, classification.Confidence, 1e-9)
}

func TestClassifyModelPaths(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("agreeing model replaces confidence", func(t *testing.T) {
		classifier := NewClassifier(ClassifierConfig{
			Model: &staticModel{prediction: &inference.Prediction{Label: "data_quality", Confidence: 0.70}},
		})

		classification, err := classifier.Classify(ctx, &IssueDescriptor{
			ErrorMessage: "schema mismatch detected during load",
		})
		require.NoError(t, err)

		assert.Equal(t, CategoryDataQuality, classification.Category)
		assert.Equal(t, "schema_mismatch", classification.IssueType)
		assert.InDelta(t, 0.70, classification.Confidence, 1e-9)
	})

	t.Run("more confident dissent overrides category", func(t *testing.T) {
		classifier := NewClassifier(ClassifierConfig{
			Model: &staticModel{prediction: &inference.Prediction{Label: "resource", Confidence: 0.8}},
		})

		classification, err := classifier.Classify(ctx, &IssueDescriptor{
			ErrorMessage: "something odd happened",
		})
		require.NoError(t, err)

		assert.Equal(t, CategoryResource, classification.Category)
		assert.Equal(t, "resource_exhaustion", classification.IssueType)
		assert.InDelta(t, 0.8, classification.Confidence, 1e-9)
	})

	t.Run("less confident dissent is ignored", func(t *testing.T) {
		classifier := NewClassifier(ClassifierConfig{
			Model: &staticModel{prediction: &inference.Prediction{Label: "resource", Confidence: 0.4}},
		})

		classification, err := classifier.Classify(ctx, &IssueDescriptor{
			ErrorMessage: "schema mismatch detected during load",
		})
		require.NoError(t, err)

		assert.Equal(t, CategoryDataQuality, classification.Category)
		assert.InDelta(t, confidenceMatched, classification.Confidence, 1e-9)
	})

	t.Run("model failure keeps rule verdict", func(t *testing.T) {
		classifier := NewClassifier(ClassifierConfig{
			Model: &staticModel{err: errors.New("endpoint unreachable")},
		})

		classification, err := classifier.Classify(ctx, &IssueDescriptor{
			ErrorMessage: "schema mismatch detected during load",
		})
		require.NoError(t, err)

		assert.Equal(t, CategoryDataQuality, classification.Category)
		assert.InDelta(t, confidenceMatched, classification.Confidence, 1e-9)
	})

	t.Run("unknown label keeps rule verdict", func(t *testing.T) {
		classifier := NewClassifier(ClassifierConfig{
			Model: &staticModel{prediction: &inference.Prediction{Label: "weather", Confidence: 0.99}},
		})

		classification, err := classifier.Classify(ctx, &IssueDescriptor{
			ErrorMessage: "schema mismatch detected during load",
		})
		require.NoError(t, err)

		assert.Equal(t, CategoryDataQuality, classification.Category)
	})
}

func TestLowConfidenceDowngradesAutoOnly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	// A timeout with retry budget classifies AUTO; a low-confidence model
	// verdict must park it for review instead.
	classifier := NewClassifier(ClassifierConfig{
		Model: &staticModel{prediction: &inference.Prediction{Label: "pipeline", Confidence: 0.70}},
	})

	classification, err := classifier.Classify(ctx, &IssueDescriptor{
		ErrorMessage: "operation timed out",
		RetryCount:   1,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.70, classification.Confidence, 1e-9)
	assert.Equal(t, faults.ManualRecoverable, classification.Recoverability)
}

func TestClassifyRejectsEmptyDescriptor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	classifier := NewClassifier(ClassifierConfig{})

	_, err := classifier.Classify(context.Background(), &IssueDescriptor{Dataset: "analytics"})
	assert.ErrorIs(t, err, ErrEmptyDescriptor)
}
