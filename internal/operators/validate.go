package operators

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
)

// Validate runs the rules file against a sample of the dataset table, records
// the quality outcome in metadata and lineage, and returns the result. The
// run passes when the rule pass ratio reaches qualityThreshold.
func (o *Operators) Validate(
	ctx context.Context, dataset, table, rulesPath string, qualityThreshold float64,
) (*ValidationResult, error) {
	if err := requireArg("dataset", dataset); err != nil {
		return nil, err
	}

	if err := requireArg("table", table); err != nil {
		return nil, err
	}

	if err := requireArg("rules_path", rulesPath); err != nil {
		return nil, err
	}

	if qualityThreshold < 0 || qualityThreshold > 1 {
		return nil, fmt.Errorf("quality threshold must be in [0, 1], got %v", qualityThreshold)
	}

	if o.sampler == nil {
		return nil, fmt.Errorf("%w: row sampler", ErrMissingArgument)
	}

	rules, err := LoadRuleSet(rulesPath)
	if err != nil {
		return nil, err
	}

	rows, err := o.sampler.Sample(ctx, dataset, table, o.sampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s.%s: %w", dataset, table, err)
	}

	score, ruleResults := rules.Evaluate(rows)

	result := &ValidationResult{
		ValidationID: uuid.NewString(),
		Dataset:      dataset,
		Table:        table,
		Passed:       score >= qualityThreshold,
		QualityScore: score,
		Threshold:    qualityThreshold,
		RuleResults:  ruleResults,
		SampledRows:  len(rows),
	}

	if _, err := o.metadata.TrackDataQualityMetadata(ctx, metadata.DataQualityRecord{
		ValidationID: result.ValidationID,
		Dataset:      dataset,
		Table:        table,
		Passed:       result.Passed,
		QualityScore: score,
		RuleResults:  ruleResults,
		Details: map[string]any{
			"rules_path":   rulesPath,
			"threshold":    qualityThreshold,
			"sampled_rows": len(rows),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to record validation outcome: %w", err)
	}

	if o.lineage != nil {
		if _, err := o.lineage.RecordValidation(ctx, lineage.ValidationEvent{
			Dataset:      lineage.DatasetRef{Dataset: dataset, Table: table},
			ValidationID: result.ValidationID,
			Passed:       result.Passed,
			Details:      map[string]any{"quality_score": score},
		}); err != nil {
			// Lineage is derived; a recording failure must not fail the
			// validation verdict the orchestrator is waiting on.
			o.logger.Warn("failed to record validation lineage",
				slog.String("validation_id", result.ValidationID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Info("validation completed",
		slog.String("validation_id", result.ValidationID),
		slog.String("dataset", dataset),
		slog.String("table", table),
		slog.Bool("passed", result.Passed),
		slog.Float64("quality_score", score),
	)

	return result, nil
}
