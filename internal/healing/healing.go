// Package healing runs the self-healing loop: classify an issue, match it
// against known patterns, analyze root causes, select a correction
// strategy, gate it on approval, execute the engine, and record the
// terminal outcome with its counter updates.
//
// A healing execution is a state machine:
//
//	PENDING → {IN_PROGRESS, APPROVAL_REQUIRED, FAILED}
//	APPROVAL_REQUIRED → {APPROVED, REJECTED}
//	APPROVED → {IN_PROGRESS, FAILED}
//	IN_PROGRESS → {SUCCESS, FAILED}
//
// SUCCESS, FAILED, and REJECTED are terminal and immutable.
package healing

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/rootcause"
)

// CollectionExecutions is the document collection holding healing executions.
const CollectionExecutions = "healing_executions"

// Status is the lifecycle state of a healing execution.
type Status string

const (
	// StatusPending is a freshly created execution before strategy selection.
	StatusPending Status = "PENDING"

	// StatusInProgress means a correction engine is running.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusApprovalRequired parks the execution until an operator decides.
	StatusApprovalRequired Status = "APPROVAL_REQUIRED"

	// StatusApproved means an operator released the execution for running.
	StatusApproved Status = "APPROVED"

	// StatusRejected means an operator (or the approval timeout) refused the
	// execution. Terminal; counters do not move.
	StatusRejected Status = "REJECTED"

	// StatusSuccess means the correction engine produced a corrected state.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed means the execution could not produce a correction.
	StatusFailed Status = "FAILED"
)

// Strategy sources recorded on an execution.
const (
	// SourcePatternAction means a learned pattern's action drove the engine.
	SourcePatternAction = "pattern_action"

	// SourceRootCause means the engine ran on the root-cause recommendation
	// with derived parameters.
	SourceRootCause = "root_cause"

	// SourceManual means an operator picked the action explicitly.
	SourceManual = "manual"
)

// Sentinel errors for healing lifecycle validation.
var (
	// ErrExecutionNotFound indicates no healing execution exists under the id.
	ErrExecutionNotFound = errors.New("healing execution not found")

	// ErrInvalidTransition indicates a state transition outside the machine.
	ErrInvalidTransition = errors.New("invalid healing state transition")

	// ErrTerminalState indicates an attempt to transition a terminal execution.
	ErrTerminalState = errors.New("healing execution is terminal")

	// ErrDuplicateInFlight indicates a non-terminal execution already exists
	// for the same (execution, issue signature) pair.
	ErrDuplicateInFlight = errors.New("healing already in flight for this issue")

	// ErrAttemptsExhausted indicates the recovery attempt cap was reached.
	ErrAttemptsExhausted = errors.New("recovery attempts exhausted")

	// ErrHealingDisabled indicates the healing mode blocks execution.
	ErrHealingDisabled = errors.New("healing is disabled")

	// ErrNoViableStrategy indicates neither a pattern action nor a root-cause
	// recommendation produced a runnable correction.
	ErrNoViableStrategy = errors.New("no viable healing strategy")

	// ErrNotAwaitingApproval indicates an approval decision was applied to an
	// execution that is not parked at the gate.
	ErrNotAwaitingApproval = errors.New("healing execution is not awaiting approval")

	// ErrInvalidExecution indicates a structurally invalid healing execution.
	ErrInvalidExecution = errors.New("invalid healing execution")
)

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApprovalRequired,
		StatusApproved, StatusRejected, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses no transition may leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// validTransitions is the healing execution state machine.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress:       true,
		StatusApprovalRequired: true,
		StatusFailed:           true,
	},
	StatusApprovalRequired: {
		StatusApproved: true,
		StatusRejected: true,
	},
	StatusApproved: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusSuccess: true,
		StatusFailed:  true,
	},
}

// ValidateStateTransition validates a healing execution state transition.
// Terminal states are immutable; everything else must follow the machine in
// the package doc.
func ValidateStateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s → %s (unknown status)", ErrInvalidTransition, from, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
	}

	if !validTransitions[from][to] {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	return nil
}

type (
	// HealingExecution is one pass through the healing loop for one issue.
	// It carries everything needed to resume after an approval: the
	// classification, the original state to correct, the selected action,
	// and the primary root cause.
	HealingExecution struct {
		HealingID      string `json:"healing_id"`
		IssueID        string `json:"issue_id"`
		IssueSignature string `json:"issue_signature"`

		PipelineID  string `json:"pipeline_id,omitempty"`
		ExecutionID string `json:"execution_id,omitempty"`
		TaskID      string `json:"task_id,omitempty"`
		Dataset     string `json:"dataset,omitempty"`
		Table       string `json:"table,omitempty"`

		Status  Status `json:"status"`
		Attempt int    `json:"attempt"`

		// StrategySource says what chose the engine run: a pattern action,
		// the root-cause recommendation, or an operator.
		StrategySource string `json:"strategy_source,omitempty"`
		PatternID      string `json:"pattern_id,omitempty"`
		ActionID       string `json:"action_id,omitempty"`
		Engine         string `json:"engine,omitempty"`

		Classification *issues.IssueClassification `json:"classification,omitempty"`
		RootCause      *rootcause.RootCause        `json:"root_cause,omitempty"`
		OriginalState  map[string]any              `json:"original_state,omitempty"`
		Parameters     map[string]any              `json:"parameters,omitempty"`

		Confidence float64 `json:"confidence"`

		// Reason explains FAILED and REJECTED terminals, and approval
		// decisions.
		Reason    string `json:"reason,omitempty"`
		DecidedBy string `json:"decided_by,omitempty"`

		CorrectionID string         `json:"correction_id,omitempty"`
		Result       map[string]any `json:"result,omitempty"`

		StartTime      time.Time  `json:"start_time"`
		CompletionTime *time.Time `json:"completion_time,omitempty"`
		CreatedAt      time.Time  `json:"created_at"`
		UpdatedAt      time.Time  `json:"updated_at"`
	}

	// Outcome is the terminal verdict the store commits for an execution.
	Outcome struct {
		// Status must be SUCCESS, FAILED, or REJECTED.
		Status Status

		// Reason explains FAILED and REJECTED terminals.
		Reason string

		// DecidedBy names the operator for approval decisions.
		DecidedBy string

		// CorrectionID and Result carry the engine's output when one ran.
		CorrectionID string
		Result       map[string]any
	}

	// Result is what one healing request produced: always the
	// classification, plus the execution and analysis when healing
	// proceeded past intake.
	Result struct {
		Classification *issues.IssueClassification `json:"classification"`
		Execution      *HealingExecution           `json:"execution,omitempty"`
		Analysis       *rootcause.Analysis         `json:"analysis,omitempty"`
	}
)

// Validate checks structural invariants before persisting an execution.
func (e *HealingExecution) Validate() error {
	if e.IssueID == "" {
		return fmt.Errorf("%w: issue_id is required", ErrInvalidExecution)
	}

	if e.IssueSignature == "" {
		return fmt.Errorf("%w: issue_signature is required", ErrInvalidExecution)
	}

	if !e.Status.IsValid() {
		return fmt.Errorf("%w: status %q", ErrInvalidExecution, e.Status)
	}

	return nil
}

// CountersMove reports whether a status feeds the pattern and action
// counters. Every terminal status does: SUCCESS counts as a success,
// FAILED and REJECTED count as failures, so a plan operators keep
// declining loses standing the same way a plan that keeps failing does.
func (s Status) CountersMove() bool {
	return s.IsTerminal()
}
