package correction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
)

func newAdjuster(t *testing.T) *PipelineAdjuster {
	t.Helper()

	return NewPipelineAdjuster(PipelineAdjusterConfig{})
}

func pipelineClassification(issueType string, confidence float64) *issues.IssueClassification {
	return &issues.IssueClassification{
		IssueID:    "iss-pipe-1",
		Category:   issues.CategoryPipeline,
		IssueType:  issueType,
		Confidence: confidence,
		Features:   map[string]any{"error_kind": issueType},
	}
}

func pipelineConfigState() map[string]any {
	return map[string]any{
		"pipeline_id":     "orders_etl",
		"source":          "postgres",
		"destination":     "warehouse",
		"timeout_seconds": 300,
		"batch_size":      1000,
		"parallelism":     2,
		"dependencies":    []any{"dim_customers", "dim_products"},
	}
}

func TestPipelineAdjusterCanHandle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	adjuster := newAdjuster(t)

	assert.True(t, adjuster.CanHandle(pipelineClassification("task_timeout", 0.9)))
	assert.False(t, adjuster.CanHandle(dataClassification("missing_values", 0.9)))
	assert.False(t, adjuster.CanHandle(nil))
}

func TestIncreaseTimeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	t.Run("doubles within ceiling", func(t *testing.T) {
		original := pipelineConfigState()

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("task_timeout", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, StrategyIncreaseTimeout, result.Strategy)
		assert.InDelta(t, 600, result.CorrectedState["timeout_seconds"], 1e-9)
		assert.Equal(t, []string{"timeout_seconds"}, result.Metadata["changed_fields"])

		// The original config is untouched.
		assert.Equal(t, 300, original["timeout_seconds"])
	})

	t.Run("caps at policy ceiling", func(t *testing.T) {
		original := pipelineConfigState()
		original["timeout_seconds"] = 3000

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("task_timeout", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.InDelta(t, defaultMaxTimeoutSeconds, result.CorrectedState["timeout_seconds"], 1e-9)
	})

	t.Run("already at ceiling changes nothing", func(t *testing.T) {
		original := pipelineConfigState()
		original["timeout_seconds"] = defaultMaxTimeoutSeconds

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("task_timeout", 0.9),
		})
		require.NoError(t, err)

		assert.False(t, result.Successful)
		assert.Nil(t, result.CorrectedState)
	})

	t.Run("missing timeout field", func(t *testing.T) {
		original := pipelineConfigState()
		delete(original, "timeout_seconds")

		_, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("task_timeout", 0.9),
		})
		require.ErrorIs(t, err, ErrMissingState)
	})
}

func TestOptimizeExecution(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	result, err := adjuster.Apply(ctx, Request{
		OriginalState:  pipelineConfigState(),
		Classification: pipelineClassification("unclassified_failure", 0.9),
		Parameters:     map[string]any{"strategy": StrategyOptimizeExecution},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.InDelta(t, 500, result.CorrectedState["batch_size"], 1e-9)
	assert.InDelta(t, 4, result.CorrectedState["parallelism"], 1e-9)
	assert.Equal(t, []string{"batch_size", "parallelism"}, result.Metadata["changed_fields"])
}

func TestIncreaseResources(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	resourceState := func() map[string]any {
		original := pipelineConfigState()
		original["memory_mb"] = 4096
		original["cpu_cores"] = 4

		return original
	}

	t.Run("scales memory and cpu by 1.5 within ceilings", func(t *testing.T) {
		original := resourceState()

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("resource_exhaustion", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, StrategyIncreaseResources, result.Strategy)
		assert.InDelta(t, 6144, result.CorrectedState["memory_mb"], 1e-9)
		assert.InDelta(t, 6, result.CorrectedState["cpu_cores"], 1e-9)
		assert.Equal(t, []string{"cpu_cores", "memory_mb"}, result.Metadata["changed_fields"])

		// The original config is untouched.
		assert.Equal(t, 4096, original["memory_mb"])
		assert.Equal(t, 4, original["cpu_cores"])
	})

	t.Run("caps at policy ceilings", func(t *testing.T) {
		original := resourceState()
		original["memory_mb"] = 60000
		original["cpu_cores"] = 30

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("resource_exhaustion", 0.9),
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.InDelta(t, defaultMaxMemoryMB, result.CorrectedState["memory_mb"], 1e-9)
		assert.InDelta(t, defaultMaxCPUCores, result.CorrectedState["cpu_cores"], 1e-9)
	})

	t.Run("honors custom factors", func(t *testing.T) {
		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  resourceState(),
			Classification: pipelineClassification("resource_exhaustion", 0.9),
			Parameters: map[string]any{
				"strategy":      StrategyIncreaseResources,
				"memory_factor": 2.0,
				"cpu_factor":    1.25,
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.InDelta(t, 8192, result.CorrectedState["memory_mb"], 1e-9)
		assert.InDelta(t, 5, result.CorrectedState["cpu_cores"], 1e-9)
	})

	t.Run("already at ceilings changes nothing", func(t *testing.T) {
		original := resourceState()
		original["memory_mb"] = defaultMaxMemoryMB
		original["cpu_cores"] = defaultMaxCPUCores

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("resource_exhaustion", 0.9),
		})
		require.NoError(t, err)

		assert.False(t, result.Successful)
		assert.Nil(t, result.CorrectedState)
	})

	t.Run("missing resource fields", func(t *testing.T) {
		_, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: pipelineClassification("resource_exhaustion", 0.9),
		})
		require.ErrorIs(t, err, ErrMissingState)
	})
}

func TestOptimizeResourceUsage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	result, err := adjuster.Apply(ctx, Request{
		OriginalState:  pipelineConfigState(),
		Classification: pipelineClassification("resource_exhaustion", 0.9),
		Parameters:     map[string]any{"strategy": StrategyOptimizeResourceUsage},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, StrategyOptimizeResourceUsage, result.Strategy)
	assert.InDelta(t, 500, result.CorrectedState["batch_size"], 1e-9)
	assert.InDelta(t, 1, result.CorrectedState["parallelism"], 1e-9, "parallelism shrinks, never below one")
	assert.Equal(t, []string{"batch_size", "parallelism"}, result.Metadata["changed_fields"])
}

func TestFixConfiguration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	t.Run("applies targeted fixes", func(t *testing.T) {
		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: pipelineClassification("invalid_configuration", 0.9),
			Parameters: map[string]any{
				"config_fixes": map[string]any{"connection_pool_size": 20},
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, StrategyFixConfiguration, result.Strategy)
		assert.InDelta(t, 20, result.CorrectedState["connection_pool_size"], 1e-9)
	})

	t.Run("rejects critical field edits", func(t *testing.T) {
		_, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: pipelineClassification("invalid_configuration", 0.9),
			Parameters: map[string]any{
				"config_fixes": map[string]any{"pipeline_id": "other_pipeline"},
			},
		})
		require.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("requires fixes", func(t *testing.T) {
		_, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: pipelineClassification("invalid_configuration", 0.9),
		})
		require.ErrorIs(t, err, ErrMissingState)
	})
}

func TestUseDefaultConfigReplacesSection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	original := pipelineConfigState()
	original["load_options"] = map[string]any{"mode": "exotic"}

	result, err := adjuster.Apply(ctx, Request{
		OriginalState:  original,
		Classification: pipelineClassification("invalid_configuration", 0.9),
		Parameters: map[string]any{
			"strategy":       StrategyUseDefaultConfig,
			"section":        "load_options",
			"default_config": map[string]any{"mode": "append"},
		},
	})
	require.NoError(t, err)

	require.True(t, result.Successful)

	section, ok := result.CorrectedState["load_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "append", section["mode"])
}

func TestRetryWithBackoffInstallsPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	result, err := adjuster.Apply(ctx, Request{
		OriginalState:  pipelineConfigState(),
		Classification: pipelineClassification("dependency_failure", 0.9),
	})
	require.NoError(t, err)

	require.True(t, result.Successful)
	assert.Equal(t, StrategyRetryWithBackoff, result.Strategy)

	policy, ok := result.CorrectedState["retry_policy"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 60, policy["initial_delay_seconds"], 1e-9)
	assert.InDelta(t, 2, policy["backoff_factor"], 1e-9)
	assert.InDelta(t, defaultMaxBackoffSeconds, policy["max_delay_seconds"], 1e-9)
	assert.InDelta(t, 3, policy["max_retries"], 1e-9)
}

func TestSkipDependency(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	adjuster := newAdjuster(t)

	t.Run("removes a non-critical dependency", func(t *testing.T) {
		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: pipelineClassification("dependency_failure", 0.9),
			Parameters: map[string]any{
				"strategy":   StrategySkipDependency,
				"dependency": "dim_products",
			},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, []any{"dim_customers"}, result.CorrectedState["dependencies"])
		assert.Equal(t, true, result.Metadata["skipped"])
	})

	t.Run("refuses a critical dependency", func(t *testing.T) {
		original := pipelineConfigState()
		original["critical_dependencies"] = []any{"dim_customers"}

		_, err := adjuster.Apply(ctx, Request{
			OriginalState:  original,
			Classification: pipelineClassification("dependency_failure", 0.9),
			Parameters: map[string]any{
				"strategy":   StrategySkipDependency,
				"dependency": "dim_customers",
			},
		})
		require.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("reads the dependency from issue features", func(t *testing.T) {
		classification := pipelineClassification("dependency_failure", 0.9)
		classification.Features["dependency"] = "dim_products"

		result, err := adjuster.Apply(ctx, Request{
			OriginalState:  pipelineConfigState(),
			Classification: classification,
			Parameters:     map[string]any{"strategy": StrategySkipDependency},
		})
		require.NoError(t, err)

		require.True(t, result.Successful)
		assert.Equal(t, []any{"dim_customers"}, result.CorrectedState["dependencies"])
	})
}

func TestStrategyForPipelineIssue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		issueType string
		want      string
	}{
		{"task_timeout", StrategyIncreaseTimeout},
		{"resource_exhaustion", StrategyIncreaseResources},
		{"invalid_configuration", StrategyFixConfiguration},
		{"dependency_failure", StrategyRetryWithBackoff},
		{"unclassified_failure", ""},
	}

	for _, tt := range tests {
		t.Run(tt.issueType, func(t *testing.T) {
			assert.Equal(t, tt.want, strategyForPipelineIssue(pipelineClassification(tt.issueType, 0.9)))
		})
	}

	assert.Empty(t, strategyForPipelineIssue(nil))
}

func TestValidateChanges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := validateChanges("test", []string{"unexpected"}, []string{"expected"}, nil)
	require.ErrorIs(t, err, ErrValidationFailed)

	err = validateChanges("test", []string{"owner"}, []string{"owner"}, []string{"owner"})
	require.ErrorIs(t, err, ErrValidationFailed)

	require.NoError(t, validateChanges("test", []string{"expected"}, []string{"expected"}, []string{"owner"}))
}

func TestLoadAdjusterPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		policy, err := LoadAdjusterPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		assert.Equal(t, DefaultAdjusterPolicy(), policy)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		content := "critical_fields:\n  - pipeline_id\n  - credentials\nmax_timeout_seconds: 900\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		policy, err := LoadAdjusterPolicy(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"pipeline_id", "credentials"}, policy.CriticalFields)
		assert.InDelta(t, 900, policy.MaxTimeoutSeconds, 1e-9)
		assert.InDelta(t, defaultMaxParallelism, policy.MaxParallelism, 1e-9, "unset fields keep defaults")
		assert.InDelta(t, defaultMaxMemoryMB, policy.MaxMemoryMB, 1e-9)
		assert.InDelta(t, defaultMaxCPUCores, policy.MaxCPUCores, 1e-9)
	})

	t.Run("invalid yaml falls back to defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{{ not yaml"), 0o600))

		policy, err := LoadAdjusterPolicy(path)
		require.NoError(t, err)

		assert.Equal(t, DefaultAdjusterPolicy(), policy)
	})
}
