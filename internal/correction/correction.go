// Package correction holds the engines that compute remediations: a data
// corrector for quality issues, a pipeline adjuster for execution failures,
// and a resource optimizer for capacity pressure. Engines never mutate the
// system they fix; they produce a corrected state (a staged artifact, an
// adjusted config, a new allocation) for the orchestrator to hand off.
package correction

import (
	"context"
	"errors"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/rootcause"
)

// Sentinel errors shared by the engines.
var (
	// ErrNoStrategy indicates no strategy applies to the issue.
	ErrNoStrategy = errors.New("no correction strategy applies")

	// ErrMissingState indicates the original state lacks a field the
	// selected strategy needs.
	ErrMissingState = errors.New("original state is missing a required field")

	// ErrValidationFailed indicates the corrected state failed the
	// strategy's own validator.
	ErrValidationFailed = errors.New("corrected state failed validation")
)

type (
	// Request is one correction attempt: the state to correct, the issue
	// verdict, the explanation, and the selected action's parameters and
	// history when the orchestrator chose one.
	Request struct {
		// OriginalState is the engine-specific input: an artifact reference
		// for the data corrector, a pipeline config for the adjuster, an
		// allocation for the optimizer.
		OriginalState map[string]any

		// Classification is the issue being corrected.
		Classification *issues.IssueClassification

		// RootCause is the primary cause, when analysis produced one.
		RootCause *rootcause.RootCause

		// Parameters carries the selected action's parameters. Nil lets the
		// engine derive the strategy from the issue type.
		Parameters map[string]any

		// HistoricalRate is the selected action's success rate. Callers
		// without action history pass 1 so the prior and the classification
		// confidence decide alone.
		HistoricalRate float64
	}

	// CorrectionResult reports one correction attempt.
	CorrectionResult struct {
		CorrectionID   string         `json:"correction_id"`
		Strategy       string         `json:"strategy"`
		OriginalState  map[string]any `json:"original_state,omitempty"`
		CorrectedState map[string]any `json:"corrected_state,omitempty"`
		Confidence     float64        `json:"confidence"`
		Successful     bool           `json:"successful"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}

	// Engine is the common correction contract the orchestrator dispatches
	// on.
	Engine interface {
		// Name identifies the engine in logs and healing records.
		Name() string

		// CanHandle reports whether the engine covers the issue's category.
		CanHandle(classification *issues.IssueClassification) bool

		// Apply computes the corrected state. A strategy that runs but
		// finds nothing to fix returns Successful=false with a nil error;
		// a correction that cannot be attempted or fails validation
		// returns an error.
		Apply(ctx context.Context, req Request) (*CorrectionResult, error)
	}
)

// Confidence combines the strategy prior, the action's historical success
// rate, and the classification confidence into the result confidence,
// clamped to [0, 1].
func Confidence(basePrior, historicalRate, classificationConfidence float64) float64 {
	confidence := basePrior * historicalRate * classificationConfidence

	if confidence < 0 {
		return 0
	}

	if confidence > 1 {
		return 1
	}

	return confidence
}

// historicalRate normalizes the request's rate: an unset rate is neutral.
func historicalRate(req Request) float64 {
	if req.HistoricalRate <= 0 {
		return 1
	}

	return req.HistoricalRate
}

// classificationConfidence guards against a nil classification.
func classificationConfidence(req Request) float64 {
	if req.Classification == nil {
		return 1
	}

	return req.Classification.Confidence
}

// stringParam reads a string parameter with a fallback.
func stringParam(params map[string]any, key, fallback string) string {
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}

	return fallback
}

// floatParam reads a numeric parameter with a fallback. JSON round trips
// deliver numbers as float64; direct callers may pass int.
func floatParam(params map[string]any, key string, fallback float64) float64 {
	switch value := params[key].(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int64:
		return float64(value)
	default:
		return fallback
	}
}
