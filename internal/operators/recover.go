package operators

import (
	"context"
	"fmt"
	"time"

	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/issues"
)

// OrchestrateRecovery runs the full recovery loop for an issue the
// orchestrator surfaced out of band. The issue context supplies what a
// failure event normally would: error message, component, dataset, and the
// execution the issue belongs to.
func (o *Operators) OrchestrateRecovery(
	ctx context.Context, issueID string, issueContext map[string]any,
) (*RecoveryResult, error) {
	if err := requireArg("issue_id", issueID); err != nil {
		return nil, err
	}

	if err := o.requireHealing(); err != nil {
		return nil, err
	}

	descriptor := descriptorFromContext(issueID, issueContext)

	originalState, _ := issueContext["original_state"].(map[string]any)

	result, err := o.healing.Heal(ctx, healing.HealRequest{
		Descriptor:    descriptor,
		OriginalState: originalState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to orchestrate recovery for issue %s: %w", issueID, err)
	}

	healingID, status, successful, _ := healingResultFrom(result)

	return &RecoveryResult{
		IssueID:        result.Classification.IssueID,
		HealingID:      healingID,
		Status:         status,
		Successful:     successful,
		StrategySource: strategySource(result),
		Confidence:     result.Classification.Confidence,
		Recoverability: string(result.Classification.Recoverability),
	}, nil
}

// descriptorFromContext maps the orchestrator's free-form issue context onto
// the typed descriptor. Unknown keys stay available to the classifier
// through the descriptor context.
func descriptorFromContext(issueID string, issueContext map[string]any) *issues.IssueDescriptor {
	stringAt := func(key string) string {
		value, _ := issueContext[key].(string)

		return value
	}

	descriptor := &issues.IssueDescriptor{
		ErrorMessage: stringAt("error_message"),
		StackTrace:   stringAt("stack_trace"),
		Component:    stringAt("component"),
		Dataset:      stringAt("dataset"),
		Table:        stringAt("table"),
		PipelineID:   stringAt("pipeline_id"),
		ExecutionID:  stringAt("execution_id"),
		TaskID:       stringAt("task_id"),
		Context:      map[string]any{"issue_id": issueID},
		OccurredAt:   time.Now().UTC(),
	}

	if retries, ok := issueContext["retry_count"].(float64); ok {
		descriptor.RetryCount = int(retries)
	}

	if critical, ok := issueContext["is_critical"].(bool); ok {
		descriptor.IsCritical = critical
	}

	if category, ok := issueContext["fault_category"].(string); ok {
		descriptor.Context["fault_category"] = category
	}

	if metrics, ok := issueContext["metrics"].(map[string]any); ok {
		descriptor.Metrics = make(map[string]float64, len(metrics))

		for name, value := range metrics {
			if number, ok := value.(float64); ok {
				descriptor.Metrics[name] = number
			}
		}
	}

	return descriptor
}

func strategySource(result *healing.Result) string {
	if result.Execution == nil {
		return ""
	}

	return result.Execution.StrategySource
}
