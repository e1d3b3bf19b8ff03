package operators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/metadata"
)

// AdjustPipeline runs the recovery loop for a failed pipeline execution with
// the pipeline config as the state to correct. The execution's recorded
// error details drive classification; the corrected config comes back in
// AdjustedConfig when an adjustment was applied.
func (o *Operators) AdjustPipeline(
	ctx context.Context, pipelineID, executionID string, pipelineConfig map[string]any,
) (*AdjustmentResult, error) {
	if err := requireArg("pipeline_id", pipelineID); err != nil {
		return nil, err
	}

	if err := requireArg("execution_id", executionID); err != nil {
		return nil, err
	}

	if err := o.requireHealing(); err != nil {
		return nil, err
	}

	descriptor, err := o.descriptorForExecution(ctx, pipelineID, executionID)
	if err != nil {
		return nil, err
	}

	result, err := o.healing.Heal(ctx, healing.HealRequest{
		Descriptor:    descriptor,
		OriginalState: pipelineConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust pipeline %s: %w", pipelineID, err)
	}

	healingID, status, successful, _ := healingResultFrom(result)

	adjustment := &AdjustmentResult{
		PipelineID:  pipelineID,
		ExecutionID: executionID,
		IssueID:     result.Classification.IssueID,
		HealingID:   healingID,
		Status:      status,
		Applied:     successful,
		Confidence:  result.Classification.Confidence,
	}

	if successful {
		if corrected, ok := result.Execution.Result["corrected_state"].(map[string]any); ok {
			adjustment.AdjustedConfig = corrected
		}
	}

	return adjustment, nil
}

// descriptorForExecution builds the issue descriptor from the execution's
// recorded error details. A missing record still yields a descriptor: the
// orchestrator may call adjust before the failure event landed.
func (o *Operators) descriptorForExecution(
	ctx context.Context, pipelineID, executionID string,
) (*issues.IssueDescriptor, error) {
	descriptor := &issues.IssueDescriptor{
		ErrorMessage: fmt.Sprintf("pipeline %s execution failed", pipelineID),
		Component:    "pipeline",
		PipelineID:   pipelineID,
		ExecutionID:  executionID,
		Context:      map[string]any{},
		OccurredAt:   time.Now().UTC(),
	}

	execution, err := o.metadata.GetExecutionMetadata(ctx, executionID, metadata.IncludeOptions{})
	if err != nil {
		if errors.Is(err, metadata.ErrRecordNotFound) {
			return descriptor, nil
		}

		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	details := execution.Execution.ErrorDetails

	if message, ok := details["message"].(string); ok && message != "" {
		descriptor.ErrorMessage = message
	}

	if stack, ok := details["stack_trace"].(string); ok {
		descriptor.StackTrace = stack
	}

	if component, ok := details["component"].(string); ok && component != "" {
		descriptor.Component = component
	}

	if metrics := execution.Execution.Metrics; len(metrics) > 0 {
		descriptor.Metrics = make(map[string]float64, len(metrics))

		for name, value := range metrics {
			if number, ok := value.(float64); ok {
				descriptor.Metrics[name] = number
			}
		}
	}

	return descriptor, nil
}
