package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipemend-io/pipemend/internal/issues"
)

func TestSimilarity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		pattern map[string]any
		issue   map[string]any
		want    float64
	}{
		{
			name:    "identical single feature",
			pattern: map[string]any{"error_kind": "schema_mismatch"},
			issue:   map[string]any{"error_kind": "schema_mismatch"},
			want:    1.0,
		},
		{
			name:    "identical multi feature",
			pattern: map[string]any{"error_kind": "missing_values", "column": "amount"},
			issue:   map[string]any{"error_kind": "missing_values", "column": "amount"},
			want:    1.0,
		},
		{
			name:    "issue carries an extra feature",
			pattern: map[string]any{"error_kind": "schema_mismatch"},
			issue:   map[string]any{"error_kind": "schema_mismatch", "component": "loader"},
			want:    0.75,
		},
		{
			name:    "shared key with different value",
			pattern: map[string]any{"error_kind": "schema_mismatch"},
			issue:   map[string]any{"error_kind": "timeout"},
			want:    0.5,
		},
		{
			name:    "disjoint keys",
			pattern: map[string]any{"error_kind": "schema_mismatch"},
			issue:   map[string]any{"component": "loader"},
			want:    0.0,
		},
		{
			name:    "numeric values compare by rendered form",
			pattern: map[string]any{"retry_band": 3},
			issue:   map[string]any{"retry_band": 3.0},
			want:    1.0,
		},
		{
			name:    "empty issue features",
			pattern: map[string]any{"error_kind": "schema_mismatch"},
			issue:   map[string]any{},
			want:    0.0,
		},
		{
			name:    "both empty",
			pattern: map[string]any{},
			issue:   map[string]any{},
			want:    0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.pattern, tt.issue), 1e-9)
		})
	}
}

func TestSimilarityIsSymmetric(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := map[string]any{"error_kind": "missing_values", "column": "amount"}
	b := map[string]any{"error_kind": "missing_values", "rule_kind": "not_null"}

	assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-9)
}

func TestPatternValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := Pattern{
		Name:                "data_quality/schema_mismatch",
		Category:            issues.CategoryDataQuality,
		Features:            map[string]any{"error_kind": "schema_mismatch"},
		ConfidenceThreshold: 0.8,
		OccurrenceCount:     10,
		SuccessCount:        8,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Pattern)
	}{
		{"missing name", func(p *Pattern) { p.Name = "" }},
		{"unknown category", func(p *Pattern) { p.Category = "weather" }},
		{"no features", func(p *Pattern) { p.Features = nil }},
		{"threshold above one", func(p *Pattern) { p.ConfidenceThreshold = 1.2 }},
		{"threshold negative", func(p *Pattern) { p.ConfidenceThreshold = -0.1 }},
		{"successes exceed occurrences", func(p *Pattern) { p.SuccessCount = 11 }},
		{"negative occurrences", func(p *Pattern) { p.OccurrenceCount = -1; p.SuccessCount = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern := valid
			pattern.Features = map[string]any{"error_kind": "schema_mismatch"}
			tt.mutate(&pattern)
			assert.ErrorIs(t, pattern.Validate(), ErrInvalidPattern)
		})
	}
}

func TestActionValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := Action{
		Kind:           ActionDataCorrection,
		Name:           "impute missing amounts",
		PatternID:      "pat-1",
		Parameters:     map[string]any{"strategy": "mean"},
		ExecutionCount: 5,
		SuccessCount:   4,
		Active:         true,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Action)
	}{
		{"missing pattern id", func(a *Action) { a.PatternID = "" }},
		{"unknown kind", func(a *Action) { a.Kind = "reboot_universe" }},
		{"successes exceed executions", func(a *Action) { a.SuccessCount = 6 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := valid
			tt.mutate(&action)
			assert.ErrorIs(t, action.Validate(), ErrInvalidAction)
		})
	}
}

func TestRecomputeRate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Zero(t, recomputeRate(0, 0))
	assert.InDelta(t, 0.8, recomputeRate(8, 10), 1e-9)
	assert.InDelta(t, 1.0, recomputeRate(3, 3), 1e-9)
}
