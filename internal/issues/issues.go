// Package issues turns raw failure signals into structured issue
// classifications the healing core can act on: an issue category, a specific
// issue type, a severity, a recoverability verdict, and the feature vector
// pattern matching runs against.
//
// Two prediction paths exist behind one output shape: a deterministic rule
// engine, optionally sharpened by a model (the champion artifact in local
// mode, a managed endpoint in remote mode). Classifications whose confidence
// falls below the configured threshold are downgraded to manual
// recoverability but still surfaced.
package issues

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pipemend-io/pipemend/internal/faults"
)

// Category is the issue taxonomy patterns and corrections are organized by.
// It is coarser than the fault taxonomy: many fault categories fold into one
// issue category.
type Category string

const (
	// CategoryDataQuality covers malformed, missing, or drifted data.
	CategoryDataQuality Category = "data_quality"

	// CategoryPipeline covers execution failures: timeouts, configuration,
	// dependency ordering.
	CategoryPipeline Category = "pipeline"

	// CategorySystem covers platform faults: connectivity, auth, downstream
	// outages.
	CategorySystem Category = "system"

	// CategoryResource covers capacity pressure: memory, cpu, quota.
	CategoryResource Category = "resource"
)

// IsValid returns true for recognized issue categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryDataQuality, CategoryPipeline, CategorySystem, CategoryResource:
		return true
	default:
		return false
	}
}

// Sentinel errors for issue classification.
var (
	// ErrEmptyDescriptor indicates a descriptor with no classifiable signal.
	ErrEmptyDescriptor = errors.New("issue descriptor carries no signal")
)

type (
	// IssueDescriptor is the raw failure signal handed to the classifier:
	// whatever the event intake, a validation run, or an operator hook knows
	// about the failure.
	IssueDescriptor struct {
		ErrorMessage string             `json:"error_message,omitempty"`
		StackTrace   string             `json:"stack_trace,omitempty"`
		Component    string             `json:"component,omitempty"`
		Dataset      string             `json:"dataset,omitempty"`
		Table        string             `json:"table,omitempty"`
		PipelineID   string             `json:"pipeline_id,omitempty"`
		ExecutionID  string             `json:"execution_id,omitempty"`
		TaskID       string             `json:"task_id,omitempty"`
		RetryCount   int                `json:"retry_count,omitempty"`
		IsCritical   bool               `json:"is_critical,omitempty"`
		Metrics      map[string]float64 `json:"metrics,omitempty"`
		Context      map[string]any     `json:"context,omitempty"`
		OccurredAt   time.Time          `json:"occurred_at,omitempty"`
	}

	// IssueClassification is the classifier verdict: a fixed-shape record
	// consumers match on by enum tags. Extensions carries future fields
	// without changing the shape.
	IssueClassification struct {
		IssueID           string                `json:"issue_id"`
		Category          Category              `json:"category"`
		Severity          faults.Severity       `json:"severity"`
		Recoverability    faults.Recoverability `json:"recoverability"`
		IssueType         string                `json:"issue_type"`
		Description       string                `json:"description"`
		RecommendedAction string                `json:"recommended_action"`
		Confidence        float64               `json:"confidence"`
		Features          map[string]any        `json:"features"`
		Extensions        map[string]any        `json:"extensions,omitempty"`
	}
)

// Validate checks the descriptor carries at least one classifiable signal.
func (d *IssueDescriptor) Validate() error {
	if strings.TrimSpace(d.ErrorMessage) == "" &&
		strings.TrimSpace(d.Component) == "" &&
		len(d.Metrics) == 0 {
		return ErrEmptyDescriptor
	}

	return nil
}

// Signature derives the stable identity of an issue: the same kind of
// failure on the same object produces the same signature, so the recovery
// orchestrator can cap attempts per (execution, signature) and reject
// duplicates in flight.
func (c *IssueClassification) Signature() string {
	canonical := strings.Join([]string{
		string(c.Category),
		c.IssueType,
		fmt.Sprintf("%v", c.Features["component"]),
		fmt.Sprintf("%v", c.Features["column"]),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))

	return hex.EncodeToString(sum[:16])
}
