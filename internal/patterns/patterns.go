// Package patterns maintains the learned issue-pattern knowledge the healing
// core matches incidents against. A pattern is a template of a recurring
// issue: a feature vector, a match threshold, and the occurrence/success
// counters its actions are ranked by. Patterns own healing actions; both
// persist in the document store, fronted by a category-indexed cache whose
// refreshes are single-flighted.
package patterns

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipemend-io/pipemend/internal/issues"
)

// Document store collections owned by this package.
const (
	// CollectionPatterns holds one document per learned issue pattern.
	CollectionPatterns = "issue_patterns"

	// CollectionActions holds one document per healing action.
	CollectionActions = "healing_actions"

	// CollectionUnmatched holds issues no pattern matched, the learner's
	// raw material.
	CollectionUnmatched = "unmatched_issues"
)

// ActionKind names the remediation families an action can belong to.
type ActionKind string

const (
	ActionDataCorrection       ActionKind = "data_correction"
	ActionPipelineRetry        ActionKind = "pipeline_retry"
	ActionParameterAdjustment  ActionKind = "parameter_adjustment"
	ActionResourceScaling      ActionKind = "resource_scaling"
	ActionSchemaEvolution      ActionKind = "schema_evolution"
	ActionDependencyResolution ActionKind = "dependency_resolution"
)

// IsValid returns true for recognized action kinds.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionDataCorrection, ActionPipelineRetry, ActionParameterAdjustment,
		ActionResourceScaling, ActionSchemaEvolution, ActionDependencyResolution:
		return true
	default:
		return false
	}
}

// Sentinel errors for pattern and action validation.
var (
	// ErrPatternNotFound indicates no pattern exists under the given id.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrActionNotFound indicates no action exists under the given id.
	ErrActionNotFound = errors.New("action not found")

	// ErrInvalidPattern indicates a pattern that fails validation.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrInvalidAction indicates an action that fails validation.
	ErrInvalidAction = errors.New("invalid action")
)

type (
	// Pattern is a learned template of a recurring issue. Matching compares
	// an issue's feature vector against Features; the pattern matches when
	// the similarity reaches ConfidenceThreshold. SuccessRate is always
	// SuccessCount / OccurrenceCount, recomputed on every counter update.
	Pattern struct {
		PatternID           string          `json:"pattern_id"`
		Name                string          `json:"name"`
		Category            issues.Category `json:"category"`
		Features            map[string]any  `json:"features"`
		ConfidenceThreshold float64         `json:"confidence_threshold"`
		OccurrenceCount     int             `json:"occurrence_count"`
		SuccessCount        int             `json:"success_count"`
		SuccessRate         float64         `json:"success_rate"`
		LastSeen            time.Time       `json:"last_seen"`
		CreatedAt           time.Time       `json:"created_at"`
	}

	// Action is a parameterized remediation recipe owned by a pattern. Only
	// active actions are eligible for strategy selection; SuccessRate is
	// SuccessCount / ExecutionCount.
	Action struct {
		ActionID       string         `json:"action_id"`
		Kind           ActionKind     `json:"kind"`
		Name           string         `json:"name,omitempty"`
		Parameters     map[string]any `json:"parameters,omitempty"`
		PatternID      string         `json:"pattern_id"`
		ExecutionCount int            `json:"execution_count"`
		SuccessCount   int            `json:"success_count"`
		SuccessRate    float64        `json:"success_rate"`
		Active         bool           `json:"active"`
		CreatedAt      time.Time      `json:"created_at"`
	}

	// Match pairs a pattern with the similarity it scored against an issue.
	Match struct {
		Pattern    Pattern
		Similarity float64
	}
)

// Validate checks pattern fields against their documented ranges.
func (p *Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPattern)
	}

	if !p.Category.IsValid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPattern, p.Category)
	}

	if len(p.Features) == 0 {
		return fmt.Errorf("%w: feature vector is empty", ErrInvalidPattern)
	}

	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v outside [0, 1]", ErrInvalidPattern, p.ConfidenceThreshold)
	}

	if p.OccurrenceCount < 0 || p.SuccessCount < 0 || p.SuccessCount > p.OccurrenceCount {
		return fmt.Errorf("%w: counter invariant violated (%d/%d)",
			ErrInvalidPattern, p.SuccessCount, p.OccurrenceCount)
	}

	return nil
}

// Validate checks action fields.
func (a *Action) Validate() error {
	if !a.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}

	if a.PatternID == "" {
		return fmt.Errorf("%w: pattern_id is required", ErrInvalidAction)
	}

	if a.ExecutionCount < 0 || a.SuccessCount < 0 || a.SuccessCount > a.ExecutionCount {
		return fmt.Errorf("%w: counter invariant violated (%d/%d)",
			ErrInvalidAction, a.SuccessCount, a.ExecutionCount)
	}

	return nil
}

// recomputeRate rewrites a success rate from its counters. A zero
// denominator yields zero, never NaN.
func recomputeRate(successes, total int) float64 {
	if total <= 0 {
		return 0
	}

	return float64(successes) / float64(total)
}

// Similarity scores how well an issue's feature vector matches a pattern's:
// the mean of the key-overlap Jaccard index and the fraction of overlapping
// keys whose values are equal. Both operands empty or disjoint score zero.
func Similarity(patternFeatures, issueFeatures map[string]any) float64 {
	if len(patternFeatures) == 0 || len(issueFeatures) == 0 {
		return 0
	}

	overlap := 0
	equal := 0

	for key, patternValue := range patternFeatures {
		issueValue, ok := issueFeatures[key]
		if !ok {
			continue
		}

		overlap++

		if featureValueEqual(patternValue, issueValue) {
			equal++
		}
	}

	union := len(patternFeatures) + len(issueFeatures) - overlap
	jaccard := float64(overlap) / float64(union)

	valueScore := 0.0
	if overlap > 0 {
		valueScore = float64(equal) / float64(overlap)
	}

	return (jaccard + valueScore) / 2
}

// featureValueEqual compares feature values by their canonical string form,
// so 2 and 2.0 agree after a JSON round trip.
func featureValueEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
