package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		blob map[string]any
		want map[string]any
	}{
		{
			name: "password masked to first and last char",
			blob: map[string]any{"password": "hunter42", "host": "db.internal"},
			want: map[string]any{"password": "h******2", "host": "db.internal"},
		},
		{
			name: "all marker variants match case insensitively",
			blob: map[string]any{
				"API_KEY":      "abcdef",
				"accessToken":  "tok123",
				"clientSecret": "s3cret",
				"credentials":  "user:pass",
			},
			want: map[string]any{
				"API_KEY":      "a****f",
				"accessToken":  "t****3",
				"clientSecret": "s****t",
				"credentials":  "u*******s",
			},
		},
		{
			name: "short values fully masked",
			blob: map[string]any{"key": "ab", "token": "x"},
			want: map[string]any{"key": "**", "token": "*"},
		},
		{
			name: "non-string sensitive values are stringified then masked",
			blob: map[string]any{"pin_secret": 123456},
			want: map[string]any{"pin_secret": "1****6"},
		},
		{
			name: "nested connection blobs are masked recursively",
			blob: map[string]any{
				"connection": map[string]any{"password": "deep", "port": 5432},
			},
			want: map[string]any{
				"connection": map[string]any{"password": "d**p", "port": 5432},
			},
		},
		{
			name: "nil blob stays nil",
			blob: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSensitive(tt.blob))
		})
	}
}

func TestMaskSensitiveDoesNotMutateInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	blob := map[string]any{
		"password": "hunter42",
		"nested":   map[string]any{"secret": "value"},
	}

	_ = MaskSensitive(blob)

	assert.Equal(t, "hunter42", blob["password"])
	assert.Equal(t, "value", blob["nested"].(map[string]any)["secret"])
}

func TestExecutionStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	terminal := map[ExecutionStatus]bool{
		StatusPending: false,
		StatusRunning: false,
		StatusSuccess: true,
		StatusFailed:  true,
		StatusHealing: false,
	}

	for status, want := range terminal {
		assert.True(t, status.IsValid(), "%s should be valid", status)
		assert.Equal(t, want, status.IsTerminal(), "IsTerminal(%s)", status)
	}

	assert.False(t, ExecutionStatus("DONE").IsValid())
	assert.False(t, ExecutionStatus("").IsValid())
}

func TestRecordTypeIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := []RecordType{
		RecordSourceSystem, RecordPipelineDefinition, RecordPipelineExecution,
		RecordTaskExecution, RecordSchema, RecordDataQuality, RecordSelfHealing,
	}

	for _, recordType := range valid {
		assert.True(t, recordType.IsValid(), "%s should be valid", recordType)
	}

	assert.False(t, RecordType("audit_log").IsValid())
}
