// Package events provides the inbound task-execution event surface: the
// orchestrator-facing domain model, lifecycle validation for out-of-order
// delivery, and the Kafka consumer that feeds metadata tracking and the
// healing intake queue.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipemend-io/pipemend/internal/metadata"
)

// Scope says which execution level an event describes.
type Scope string

const (
	// ScopePipeline events describe a whole pipeline run.
	ScopePipeline Scope = "pipeline"

	// ScopeTask events describe one step within a run.
	ScopeTask Scope = "task"
)

// IsValid returns true for recognized scopes.
func (s Scope) IsValid() bool {
	return s == ScopePipeline || s == ScopeTask
}

// String returns the string representation of the scope.
func (s Scope) String() string {
	return string(s)
}

// Sentinel errors for event validation.
var (
	// ErrInvalidEvent indicates a structurally invalid event.
	ErrInvalidEvent = errors.New("invalid execution event")

	// ErrUnknownScope indicates a scope outside pipeline/task.
	ErrUnknownScope = errors.New("unknown event scope")

	// ErrUnknownStatus indicates a status outside the execution alphabet.
	ErrUnknownStatus = errors.New("unknown execution status")
)

// ExecutionEvent is one status observation emitted by the external
// orchestrator. Events may arrive out of order; EventTime is the
// occurrence time and is what ordering decisions use, never arrival time.
type ExecutionEvent struct {
	// EventTime is when the status change occurred.
	EventTime time.Time `json:"event_time"`

	// Scope is pipeline or task.
	Scope Scope `json:"scope"`

	// Status is the observed execution status.
	Status metadata.ExecutionStatus `json:"status"`

	PipelineID  string `json:"pipeline_id"`
	ExecutionID string `json:"execution_id"`

	// TaskID and TaskKind are set on task-scoped events only.
	TaskID   string `json:"task_id,omitempty"`
	TaskKind string `json:"task_kind,omitempty"`

	// Component names the failing subsystem when the orchestrator knows it.
	Component string `json:"component,omitempty"`

	// Dataset and Table locate the data the execution touches.
	Dataset string `json:"dataset,omitempty"`
	Table   string `json:"table,omitempty"`

	Params       map[string]any     `json:"params,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	StackTrace   string             `json:"stack_trace,omitempty"`

	// RetryCount and IsCritical feed the failure classification context.
	RetryCount int  `json:"retry_count,omitempty"`
	IsCritical bool `json:"is_critical,omitempty"`

	// Producer identifies the emitting orchestrator or connector.
	Producer string `json:"producer,omitempty"`
}

// Validate checks structural invariants on one event.
func (e *ExecutionEvent) Validate() error {
	if !e.Scope.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownScope, e.Scope)
	}

	if !e.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, e.Status)
	}

	if e.ExecutionID == "" {
		return fmt.Errorf("%w: execution_id is required", ErrInvalidEvent)
	}

	if e.Scope == ScopeTask && e.TaskID == "" {
		return fmt.Errorf("%w: task_id is required for task events", ErrInvalidEvent)
	}

	if e.EventTime.IsZero() {
		return fmt.Errorf("%w: event_time is required", ErrInvalidEvent)
	}

	return nil
}

// IsFailure reports whether the event describes a failed unit of work and
// should therefore enter the healing intake.
func (e *ExecutionEvent) IsFailure() bool {
	return e.Status == metadata.StatusFailed
}
