// Package operators exposes the hooks the external workflow orchestrator
// invokes: dataset validation, data-quality healing, pipeline adjustment,
// and issue recovery. Each operator is a thin facade over the metadata
// store, the lineage graph, and the healing orchestrator; the orchestrator
// schedules, the core decides.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
)

// defaultSampleLimit bounds the rows pulled for one validation run.
const defaultSampleLimit = 1000

// Sentinel errors for operator invocations.
var (
	// ErrMissingArgument indicates a required operator argument was empty.
	ErrMissingArgument = errors.New("operator argument is required")

	// ErrValidationNotFound indicates no quality record matches the given
	// validation id.
	ErrValidationNotFound = errors.New("validation record not found")

	// ErrHealingUnavailable indicates the operator needs the healing
	// orchestrator but none was wired.
	ErrHealingUnavailable = errors.New("healing orchestrator not configured")
)

type (
	// RowSampler pulls a bounded sample of rows from a dataset table.
	// Production wires the warehouse client; tests inject fixtures.
	RowSampler interface {
		Sample(ctx context.Context, dataset, table string, limit int) ([]map[string]any, error)
	}

	// Config wires the operator facade's collaborators.
	Config struct {
		// Metadata records validation outcomes and backs record lookups.
		// Required.
		Metadata *metadata.Store

		// Healing runs recovery for the heal/adjust/recover operators.
		// Nil fails those operators with ErrHealingUnavailable.
		Healing *healing.Orchestrator

		// Lineage receives validation events. Nil skips lineage recording.
		Lineage *lineage.Graph

		// Sampler feeds the validation operator. Required for Validate.
		Sampler RowSampler

		// SampleLimit bounds validation samples. Zero means 1000 rows.
		SampleLimit int

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Operators is the inbound operator surface.
	Operators struct {
		metadata    *metadata.Store
		healing     *healing.Orchestrator
		lineage     *lineage.Graph
		sampler     RowSampler
		sampleLimit int
		logger      *slog.Logger
	}

	// ValidationResult reports one validation run.
	ValidationResult struct {
		ValidationID string                `json:"validation_id"`
		Dataset      string                `json:"dataset"`
		Table        string                `json:"table"`
		Passed       bool                  `json:"passed"`
		QualityScore float64               `json:"quality_score"`
		Threshold    float64               `json:"threshold"`
		RuleResults  []metadata.RuleResult `json:"rule_results,omitempty"`
		SampledRows  int                   `json:"sampled_rows"`
	}

	// HealingResult reports one data-quality healing attempt.
	HealingResult struct {
		ValidationID string         `json:"validation_id"`
		IssueID      string         `json:"issue_id"`
		HealingID    string         `json:"healing_id,omitempty"`
		Status       string         `json:"status,omitempty"`
		Successful   bool           `json:"successful"`
		Confidence   float64        `json:"confidence"`
		CorrectionID string         `json:"correction_id,omitempty"`
		Details      map[string]any `json:"details,omitempty"`
	}

	// AdjustmentResult reports one pipeline adjustment attempt.
	AdjustmentResult struct {
		PipelineID     string         `json:"pipeline_id"`
		ExecutionID    string         `json:"execution_id"`
		IssueID        string         `json:"issue_id"`
		HealingID      string         `json:"healing_id,omitempty"`
		Status         string         `json:"status,omitempty"`
		Applied        bool           `json:"applied"`
		AdjustedConfig map[string]any `json:"adjusted_config,omitempty"`
		Confidence     float64        `json:"confidence"`
	}

	// RecoveryResult reports one orchestrated recovery.
	RecoveryResult struct {
		IssueID        string  `json:"issue_id"`
		HealingID      string  `json:"healing_id,omitempty"`
		Status         string  `json:"status,omitempty"`
		Successful     bool    `json:"successful"`
		StrategySource string  `json:"strategy_source,omitempty"`
		Confidence     float64 `json:"confidence"`
		Recoverability string  `json:"recoverability"`
	}
)

// New creates the operator facade.
func New(cfg Config) *Operators {
	sampleLimit := cfg.SampleLimit
	if sampleLimit <= 0 {
		sampleLimit = defaultSampleLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Operators{
		metadata:    cfg.Metadata,
		healing:     cfg.Healing,
		lineage:     cfg.Lineage,
		sampler:     cfg.Sampler,
		sampleLimit: sampleLimit,
		logger:      logger,
	}
}

// healingResultFrom maps a healing loop result onto the operator surface.
func healingResultFrom(result *healing.Result) (healingID, status string, successful bool, correctionID string) {
	if result.Execution == nil {
		return "", "", false, ""
	}

	return result.Execution.HealingID,
		result.Execution.Status.String(),
		result.Execution.Status == healing.StatusSuccess,
		result.Execution.CorrectionID
}

// requireHealing guards the operators that run the recovery loop.
func (o *Operators) requireHealing() error {
	if o.healing == nil {
		return ErrHealingUnavailable
	}

	return nil
}

func requireArg(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}

	return nil
}
