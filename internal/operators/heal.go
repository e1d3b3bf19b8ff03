package operators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// HealDataQuality runs the recovery loop for a failed validation. The
// dataSource blob is the engine input: where the staged data lives and how
// to reach it. The validation's rule failures become the issue description
// the classifier and pattern matcher work from.
func (o *Operators) HealDataQuality(
	ctx context.Context, validationID string, dataSource map[string]any,
) (*HealingResult, error) {
	if err := requireArg("validation_id", validationID); err != nil {
		return nil, err
	}

	if err := o.requireHealing(); err != nil {
		return nil, err
	}

	record, err := o.findValidation(ctx, validationID)
	if err != nil {
		return nil, err
	}

	result, err := o.healing.Heal(ctx, healing.HealRequest{
		Descriptor:    descriptorForValidation(record),
		OriginalState: dataSource,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to heal validation %s: %w", validationID, err)
	}

	healingID, status, successful, correctionID := healingResultFrom(result)

	return &HealingResult{
		ValidationID: validationID,
		IssueID:      result.Classification.IssueID,
		HealingID:    healingID,
		Status:       status,
		Successful:   successful,
		Confidence:   result.Classification.Confidence,
		CorrectionID: correctionID,
	}, nil
}

// findValidation resolves a data-quality record by validation id.
func (o *Operators) findValidation(ctx context.Context, validationID string) (*metadata.DataQualityRecord, error) {
	records, err := o.metadata.SearchMetadata(ctx,
		storage.Criteria{"validation_id": validationID}, metadata.RecordDataQuality, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to look up validation %s: %w", validationID, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidationNotFound, validationID)
	}

	var record metadata.DataQualityRecord
	if err := json.Unmarshal(records[0].Raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode validation %s: %w", validationID, err)
	}

	return &record, nil
}

// descriptorForValidation turns a failed validation into the issue
// descriptor the classifier consumes. The fault category is pinned so the
// data-quality engine family handles it regardless of message wording.
func descriptorForValidation(record *metadata.DataQualityRecord) *issues.IssueDescriptor {
	failed := make([]string, 0, len(record.RuleResults))
	for _, rule := range record.RuleResults {
		if !rule.Passed {
			failed = append(failed, rule.RuleID)
		}
	}

	message := fmt.Sprintf("data quality validation failed with score %.2f", record.QualityScore)
	if len(failed) > 0 {
		message = fmt.Sprintf("%s; failing rules: %s", message, strings.Join(failed, ", "))
	}

	return &issues.IssueDescriptor{
		ErrorMessage: message,
		Component:    "data_quality",
		Dataset:      record.Dataset,
		Table:        record.Table,
		ExecutionID:  record.ExecutionID,
		Metrics:      map[string]float64{"quality_score": record.QualityScore},
		Context: map[string]any{
			"fault_category": "data",
			"validation_id":  record.ValidationID,
			"failed_rules":   failed,
		},
		OccurredAt: time.Now().UTC(),
	}
}
