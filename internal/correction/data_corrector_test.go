package correction

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

const testBucket = "pipemend-artifacts"

func newDataCorrector(t *testing.T) (*DataCorrector, *storage.MemoryObjectStore) {
	t.Helper()

	objects := storage.NewMemoryObjectStore()

	return NewDataCorrector(objects, DataCorrectorConfig{}), objects
}

func uploadRows(t *testing.T, objects *storage.MemoryObjectStore, path string, rows []map[string]any) {
	t.Helper()

	payload, err := json.Marshal(rows)
	require.NoError(t, err)

	_, err = objects.Upload(context.Background(), testBucket, path, payload, nil)
	require.NoError(t, err)
}

func downloadRows(t *testing.T, objects *storage.MemoryObjectStore, path string) []map[string]any {
	t.Helper()

	payload, err := objects.Download(context.Background(), testBucket, path)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(payload, &rows))

	return rows
}

func dataClassification(issueType string, confidence float64) *issues.IssueClassification {
	return &issues.IssueClassification{
		IssueID:    "iss-data-1",
		Category:   issues.CategoryDataQuality,
		IssueType:  issueType,
		Confidence: confidence,
		Features:   map[string]any{"error_kind": issueType},
	}
}

func artifactState(path string) map[string]any {
	return map[string]any{"bucket": testBucket, "path": path}
}

func TestDataCorrectorCanHandle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	corrector, _ := newDataCorrector(t)

	assert.True(t, corrector.CanHandle(dataClassification("missing_values", 0.9)))
	assert.False(t, corrector.CanHandle(&issues.IssueClassification{Category: issues.CategoryPipeline}))
	assert.False(t, corrector.CanHandle(nil))
}

func TestImputeMeanFillsMissingValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/orders.json", []map[string]any{
		{"id": 1, "amount": 10.0},
		{"id": 2, "amount": nil},
		{"id": 3, "amount": 20.0},
		{"id": 4},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/orders.json"),
		Classification: dataClassification("missing_values", 0.9),
	})
	require.NoError(t, err)

	assert.True(t, result.Successful)
	assert.Equal(t, StrategyImputeMean, result.Strategy)
	assert.Equal(t, 2, result.Metadata["cells_imputed"])
	assert.InDelta(t, 0.85*1.0*0.9, result.Confidence, 1e-9)

	stagedPath, ok := result.CorrectedState["path"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(stagedPath, stagedPrefix+"/"))
	assert.Equal(t, 4, result.CorrectedState["row_count"])
	assert.NotEmpty(t, result.CorrectedState["digest"])

	staged := downloadRows(t, objects, stagedPath)
	assert.InDelta(t, 15.0, staged[1]["amount"], 1e-9)
	assert.InDelta(t, 15.0, staged[3]["amount"], 1e-9)

	// The source artifact is untouched.
	original := downloadRows(t, objects, "batches/orders.json")
	assert.Nil(t, original[1]["amount"])
}

func TestImputeConstantUsesProvidedFill(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/users.json", []map[string]any{
		{"status": "active"},
		{"status": nil},
		{},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/users.json"),
		Classification: dataClassification("missing_values", 0.9),
		Parameters: map[string]any{
			"strategy":   StrategyImputeConstant,
			"column":     "status",
			"fill_value": "unknown",
		},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, 2, result.Metadata["cells_imputed"])

	staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
	assert.Equal(t, "unknown", staged[1]["status"])
	assert.Equal(t, "unknown", staged[2]["status"])
}

func TestImputeInterpolatedBridgesGaps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/readings.json", []map[string]any{
		{"t": 0, "value": 10.0},
		{"t": 1, "value": nil},
		{"t": 2, "value": 30.0},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/readings.json"),
		Classification: dataClassification("missing_values", 0.9),
		Parameters: map[string]any{
			"strategy": StrategyImputeInterpolated,
			"column":   "value",
		},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)

	staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
	assert.InDelta(t, 20.0, staged[1]["value"], 1e-9)
}

func TestFlagOutliersMarksOffendingRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/sensor.json", []map[string]any{
		{"reading": 10.0}, {"reading": 10.0}, {"reading": 11.0},
		{"reading": 11.0}, {"reading": 12.0}, {"reading": 100.0},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/sensor.json"),
		Classification: dataClassification("outliers", 0.9),
		Parameters:     map[string]any{"column": "reading"},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, StrategyFlagOutliers, result.Strategy)
	assert.Equal(t, 1, result.Metadata["outlier_rows"])

	staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
	require.Len(t, staged, 6)
	assert.Equal(t, true, staged[5]["_outlier"])
	assert.NotContains(t, staged[0], "_outlier")
}

func TestRemoveOutliersDropsOffendingRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/sensor.json", []map[string]any{
		{"reading": 10.0}, {"reading": 10.0}, {"reading": 11.0},
		{"reading": 11.0}, {"reading": 12.0}, {"reading": 100.0},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/sensor.json"),
		Classification: dataClassification("outliers", 0.9),
		Parameters: map[string]any{
			"strategy": StrategyRemoveOutliers,
			"column":   "reading",
		},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, 5, result.CorrectedState["row_count"])

	staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
	for _, row := range staged {
		assert.Less(t, row["reading"], 50.0)
	}
}

func TestRemoveDuplicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	t.Run("whole row identity", func(t *testing.T) {
		uploadRows(t, objects, "batches/dupes.json", []map[string]any{
			{"id": 1, "value": "a"},
			{"id": 1, "value": "a"},
			{"id": 2, "value": "b"},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/dupes.json"),
			Classification: dataClassification("duplicate_records", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, 1, result.Metadata["rows_removed"])
		assert.Equal(t, 2, result.CorrectedState["row_count"])
	})

	t.Run("key columns only", func(t *testing.T) {
		uploadRows(t, objects, "batches/dupes_keyed.json", []map[string]any{
			{"id": 1, "value": "a"},
			{"id": 1, "value": "b"},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/dupes_keyed.json"),
			Classification: dataClassification("duplicate_records", 0.9),
			Parameters: map[string]any{
				"key_columns": []any{"id"},
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, 1, result.CorrectedState["row_count"])
	})
}

func TestCoerceTypesParsesNumericStrings(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/amounts.json", []map[string]any{
		{"amount": "42"},
		{"amount": 7.5},
		{"amount": " 3 "},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/amounts.json"),
		Classification: dataClassification("type_mismatch", 0.9),
		Parameters:     map[string]any{"column": "amount"},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, StrategyCoerceTypes, result.Strategy)
	assert.Equal(t, 2, result.Metadata["cells_coerced"])

	staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
	assert.InDelta(t, 42.0, staged[0]["amount"], 1e-9)
	assert.InDelta(t, 7.5, staged[1]["amount"], 1e-9)
	assert.InDelta(t, 3.0, staged[2]["amount"], 1e-9)
}

func TestCoerceTypesRejectsPartialCoercion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/bad.json", []map[string]any{
		{"amount": "42"},
		{"amount": "not a number"},
	})

	_, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/bad.json"),
		Classification: dataClassification("type_mismatch", 0.9),
		Parameters:     map[string]any{"column": "amount"},
	})
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestNormalizeFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	t.Run("date iso", func(t *testing.T) {
		uploadRows(t, objects, "batches/dates.json", []map[string]any{
			{"created": "03/15/2024"},
			{"created": "2024-03-16"},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/dates.json"),
			Classification: dataClassification("format_violation", 0.9),
			Parameters: map[string]any{
				"column": "created",
				"format": "date_iso",
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, 1, result.Metadata["cells_normalized"])

		staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
		assert.Equal(t, "2024-03-15", staged[0]["created"])
		assert.Equal(t, "2024-03-16", staged[1]["created"])
	})

	t.Run("trim", func(t *testing.T) {
		uploadRows(t, objects, "batches/names.json", []map[string]any{
			{"name": " alice "},
			{"name": "bob"},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/names.json"),
			Classification: dataClassification("format_violation", 0.9),
			Parameters:     map[string]any{"column": "name"},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)

		staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
		assert.Equal(t, "alice", staged[0]["name"])
	})
}

func TestAdaptSchemaDrift(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	t.Run("explicit renames and additions", func(t *testing.T) {
		uploadRows(t, objects, "batches/drift.json", []map[string]any{
			{"qty": 5, "price": 2.5},
			{"qty": 3, "price": 1.0},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/drift.json"),
			Classification: dataClassification("schema_drift", 0.9),
			Parameters: map[string]any{
				"rename_columns": map[string]any{"qty": "quantity"},
				"add_columns":    []any{"discount"},
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, 2, result.Metadata["cells_renamed"])
		assert.Equal(t, 2, result.Metadata["cells_added"])

		staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
		for _, row := range staged {
			assert.NotContains(t, row, "qty")
			assert.Contains(t, row, "quantity")
			assert.Contains(t, row, "discount")
		}
	})

	t.Run("squares rows against observed columns", func(t *testing.T) {
		uploadRows(t, objects, "batches/ragged.json", []map[string]any{
			{"a": 1},
			{"a": 2, "b": 3},
		})

		result, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/ragged.json"),
			Classification: dataClassification("schema_mismatch", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, 1, result.Metadata["cells_added"])

		staged := downloadRows(t, objects, result.CorrectedState["path"].(string))
		assert.Contains(t, staged[0], "b")
		assert.Nil(t, staged[0]["b"])
	})
}

func TestDataCorrectorNothingToFix(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	uploadRows(t, objects, "batches/clean.json", []map[string]any{
		{"id": 1, "amount": 10.0},
		{"id": 2, "amount": 20.0},
	})

	result, err := corrector.Apply(ctx, Request{
		OriginalState:  artifactState("batches/clean.json"),
		Classification: dataClassification("missing_values", 0.9),
	})
	require.NoError(t, err)

	assert.False(t, result.Successful)
	assert.Nil(t, result.CorrectedState)

	staged, err := objects.List(ctx, testBucket, stagedPrefix+"/", "")
	require.NoError(t, err)
	assert.Empty(t, staged, "nothing should be staged when no cells changed")
}

func TestDataCorrectorErrorPaths(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	corrector, objects := newDataCorrector(t)

	t.Run("missing artifact reference", func(t *testing.T) {
		_, err := corrector.Apply(ctx, Request{
			Classification: dataClassification("missing_values", 0.9),
		})
		require.ErrorIs(t, err, ErrMissingState)
	})

	t.Run("no strategy for issue type", func(t *testing.T) {
		uploadRows(t, objects, "batches/any.json", []map[string]any{{"a": 1}})

		_, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/any.json"),
			Classification: dataClassification("corrupt_data", 0.9),
		})
		require.ErrorIs(t, err, ErrNoStrategy)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		uploadRows(t, objects, "batches/any.json", []map[string]any{{"a": 1}})

		_, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/any.json"),
			Classification: dataClassification("missing_values", 0.9),
			Parameters:     map[string]any{"strategy": "teleport"},
		})
		require.ErrorIs(t, err, ErrNoStrategy)
	})

	t.Run("artifact is not a row set", func(t *testing.T) {
		_, err := objects.Upload(ctx, testBucket, "batches/garbage.json", []byte("not json"), nil)
		require.NoError(t, err)

		_, err = corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/garbage.json"),
			Classification: dataClassification("missing_values", 0.9),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode")
	})

	t.Run("artifact missing", func(t *testing.T) {
		_, err := corrector.Apply(ctx, Request{
			OriginalState:  artifactState("batches/ghost.json"),
			Classification: dataClassification("missing_values", 0.9),
		})
		require.ErrorIs(t, err, storage.ErrObjectNotFound)
	})
}

func TestStrategyForDataIssue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		issueType string
		want      string
	}{
		{"missing_values", StrategyImputeMean},
		{"outliers", StrategyFlagOutliers},
		{"duplicate_records", StrategyRemoveDuplicates},
		{"type_mismatch", StrategyCoerceTypes},
		{"format_violation", StrategyNormalizeFormat},
		{"schema_drift", StrategyAdaptSchemaDrift},
		{"schema_mismatch", StrategyAdaptSchemaDrift},
		{"corrupt_data", ""},
	}

	for _, tt := range tests {
		t.Run(tt.issueType, func(t *testing.T) {
			assert.Equal(t, tt.want, strategyForDataIssue(dataClassification(tt.issueType, 0.9)))
		})
	}

	assert.Empty(t, strategyForDataIssue(nil))
}
