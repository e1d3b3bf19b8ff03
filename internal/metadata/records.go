// Package metadata tracks every pipeline event the healing core acts on:
// source registrations, pipeline definitions, executions and their tasks,
// schema changes, data quality results, and self-healing outcomes.
//
// Each event is one typed record in the document store collection
// "pipeline_metadata". Records share a common envelope; connection blobs are
// masked before they ever reach persistence, and terminal status updates
// close out timing fields in the same write.
package metadata

import (
	"fmt"
	"strings"
	"time"
)

// RecordType tags each metadata record with the event family it belongs to.
type RecordType string

const (
	RecordSourceSystem       RecordType = "source_system"
	RecordPipelineDefinition RecordType = "pipeline_definition"
	RecordPipelineExecution  RecordType = "pipeline_execution"
	RecordTaskExecution      RecordType = "task_execution"
	RecordSchema             RecordType = "schema"
	RecordDataQuality        RecordType = "data_quality"
	RecordSelfHealing        RecordType = "self_healing"
)

// IsValid returns true for recognized record types.
func (t RecordType) IsValid() bool {
	switch t {
	case RecordSourceSystem, RecordPipelineDefinition, RecordPipelineExecution,
		RecordTaskExecution, RecordSchema, RecordDataQuality, RecordSelfHealing:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the run-state alphabet shared by pipeline and task
// executions.
type ExecutionStatus string

const (
	// StatusPending marks work that has been scheduled but not started.
	StatusPending ExecutionStatus = "PENDING"

	// StatusRunning marks work in flight.
	StatusRunning ExecutionStatus = "RUNNING"

	// StatusSuccess is terminal; a pipeline execution is SUCCESS iff all
	// its tasks are SUCCESS.
	StatusSuccess ExecutionStatus = "SUCCESS"

	// StatusFailed is terminal; set when a task failed and no recovery
	// succeeded.
	StatusFailed ExecutionStatus = "FAILED"

	// StatusHealing marks an execution with a correction in flight.
	StatusHealing ExecutionStatus = "HEALING"
)

// IsValid returns true for recognized statuses.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusHealing:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the execution. Terminal
// statuses set end_time and duration_seconds on the record.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type (
	// Envelope is the required header on every metadata record.
	Envelope struct {
		MetadataID  string     `json:"metadata_id"`
		RecordType  RecordType `json:"record_type"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
		Environment string     `json:"environment"`
	}

	// SourceSystemRecord registers a logical data origin. Sources are never
	// hard-deleted; Retired marks logical retirement.
	SourceSystemRecord struct {
		Envelope

		SourceID       string         `json:"source_id"`
		Name           string         `json:"name"`
		Kind           string         `json:"kind"`
		ConnectionInfo map[string]any `json:"connection_info,omitempty"`
		SchemaVersion  string         `json:"schema_version,omitempty"`
		Retired        bool           `json:"retired,omitempty"`
	}

	// PipelineDefinitionRecord names a transformation from a source to a
	// target dataset/table.
	PipelineDefinitionRecord struct {
		Envelope

		PipelineID    string         `json:"pipeline_id"`
		Name          string         `json:"name"`
		SourceID      string         `json:"source_id"`
		TargetDataset string         `json:"target_dataset"`
		TargetTable   string         `json:"target_table"`
		DAGID         string         `json:"dag_id,omitempty"`
		Config        map[string]any `json:"config,omitempty"`
	}

	// PipelineExecutionRecord is one run of a pipeline. Status is monotonic:
	// once terminal, only a manual reset may transition it again.
	PipelineExecutionRecord struct {
		Envelope

		ExecutionID     string          `json:"execution_id"`
		PipelineID      string          `json:"pipeline_id"`
		Status          ExecutionStatus `json:"status"`
		StartTime       time.Time       `json:"start_time"`
		EndTime         *time.Time      `json:"end_time,omitempty"`
		DurationSeconds *float64        `json:"duration_seconds,omitempty"`
		Parameters      map[string]any  `json:"parameters,omitempty"`
		Metrics         map[string]any  `json:"metrics,omitempty"`
		ErrorDetails    map[string]any  `json:"error_details,omitempty"`
	}

	// TaskExecutionRecord is one step within a pipeline execution. TaskID is
	// unique within its execution.
	TaskExecutionRecord struct {
		Envelope

		TaskID          string          `json:"task_id"`
		ExecutionID     string          `json:"execution_id"`
		TaskKind        string          `json:"task_kind"`
		Status          ExecutionStatus `json:"status"`
		StartTime       time.Time       `json:"start_time"`
		EndTime         *time.Time      `json:"end_time,omitempty"`
		DurationSeconds *float64        `json:"duration_seconds,omitempty"`
		Params          map[string]any  `json:"params,omitempty"`
		Metrics         map[string]any  `json:"metrics,omitempty"`
		ErrorDetails    map[string]any  `json:"error_details,omitempty"`
	}

	// SchemaMetadataRecord notes a schema registration or change observed
	// for a source.
	SchemaMetadataRecord struct {
		Envelope

		SchemaID   string         `json:"schema_id"`
		SchemaName string         `json:"schema_name"`
		Version    string         `json:"version"`
		SourceID   string         `json:"source_id,omitempty"`
		Details    map[string]any `json:"details,omitempty"`
	}

	// DataQualityRecord captures one validation outcome for a dataset.
	DataQualityRecord struct {
		Envelope

		ValidationID string         `json:"validation_id"`
		ExecutionID  string         `json:"execution_id,omitempty"`
		Dataset      string         `json:"dataset"`
		Table        string         `json:"table"`
		Passed       bool           `json:"passed"`
		QualityScore float64        `json:"quality_score"`
		RuleResults  []RuleResult   `json:"rule_results,omitempty"`
		Details      map[string]any `json:"details,omitempty"`
	}

	// RuleResult is the outcome of one validation rule.
	RuleResult struct {
		RuleID  string         `json:"rule_id"`
		Kind    string         `json:"kind"`
		Column  string         `json:"column,omitempty"`
		Passed  bool           `json:"passed"`
		Details map[string]any `json:"details,omitempty"`
	}

	// SelfHealingRecord captures one healing attempt and its outcome.
	SelfHealingRecord struct {
		Envelope

		HealingID   string         `json:"healing_id"`
		ExecutionID string         `json:"execution_id"`
		IssueID     string         `json:"issue_id,omitempty"`
		PatternID   string         `json:"pattern_id,omitempty"`
		ActionID    string         `json:"action_id,omitempty"`
		Status      string         `json:"status"`
		Confidence  float64        `json:"confidence"`
		Details     map[string]any `json:"details,omitempty"`
	}
)

// sensitiveMarkers flags connection-blob keys whose values must never be
// persisted in the clear. Matching is case-insensitive substring.
var sensitiveMarkers = []string{"password", "secret", "key", "token", "credential"}

// isSensitiveKey reports whether a connection-blob key must be masked.
func isSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)

	for _, marker := range sensitiveMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	return false
}

// maskValue hides a sensitive value, keeping only the first and last
// character. Values of one or two characters are fully masked.
func maskValue(value string) string {
	if value == "" {
		return ""
	}

	if len(value) <= 2 {
		return strings.Repeat("*", len(value))
	}

	return value[:1] + strings.Repeat("*", len(value)-2) + value[len(value)-1:]
}

// MaskSensitive returns a deep copy of a connection blob with every
// sensitive value masked, recursing into nested maps. The input is never
// modified.
func MaskSensitive(blob map[string]any) map[string]any {
	if blob == nil {
		return nil
	}

	masked := make(map[string]any, len(blob))

	for key, value := range blob {
		switch typed := value.(type) {
		case map[string]any:
			masked[key] = MaskSensitive(typed)
		default:
			if isSensitiveKey(key) {
				masked[key] = maskValue(fmt.Sprintf("%v", value))
			} else {
				masked[key] = value
			}
		}
	}

	return masked
}
