// Package learning closes the healing loop: it collects feedback about
// healing outcomes, measures how well patterns and actions actually perform,
// maintains the append-with-supersede knowledge base, and retrains the
// classification model from the accumulated evidence. Feedback is weighted
// by an impact score so fresh, high-confidence, human-sourced observations
// count more than stale automatic ones.
package learning

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pipemend-io/pipemend/internal/issues"
)

// Document store collections owned by this package.
const (
	// CollectionFeedback holds one document per feedback record.
	CollectionFeedback = "healing_feedback"

	// CollectionKnowledge holds knowledge base entries, superseded included.
	CollectionKnowledge = "knowledge_entries"

	// CollectionModels holds one registry document per trained model version.
	CollectionModels = "model_registry"
)

// FeedbackKind names where an observation about a healing outcome came from.
type FeedbackKind string

const (
	// FeedbackAutomatic is derived from system metrics after a correction.
	FeedbackAutomatic FeedbackKind = "automatic"

	// FeedbackResolution is the observed outcome of a pipeline restart.
	FeedbackResolution FeedbackKind = "resolution"

	// FeedbackManual is an operator's judgement, entered by hand.
	FeedbackManual FeedbackKind = "manual"

	// FeedbackInferred is deduced from downstream pipeline behaviour.
	FeedbackInferred FeedbackKind = "inferred"
)

// IsValid returns true for recognized feedback kinds.
func (k FeedbackKind) IsValid() bool {
	switch k {
	case FeedbackAutomatic, FeedbackResolution, FeedbackManual, FeedbackInferred:
		return true
	default:
		return false
	}
}

// String returns the string representation of the feedback kind.
func (k FeedbackKind) String() string {
	return string(k)
}

// Sentinel errors for the learning subsystem.
var (
	// ErrInvalidFeedback indicates a structurally invalid feedback record.
	ErrInvalidFeedback = errors.New("invalid feedback record")

	// ErrInvalidEntry indicates a structurally invalid knowledge entry.
	ErrInvalidEntry = errors.New("invalid knowledge entry")

	// ErrEntryNotFound indicates no knowledge entry exists under the id.
	ErrEntryNotFound = errors.New("knowledge entry not found")

	// ErrNotEnoughSamples indicates a training run below the sample floor.
	ErrNotEnoughSamples = errors.New("not enough training samples")
)

// baseImpact weighs feedback kinds by how trustworthy their source is.
// Manual observations carry the most signal, automatic metrics the least.
var baseImpact = map[FeedbackKind]float64{
	FeedbackAutomatic:  0.2,
	FeedbackResolution: 0.5,
	FeedbackManual:     0.7,
	FeedbackInferred:   0.3,
}

// Feedback is one observation about a healing outcome. Every record
// references the action that produced the outcome; recording it bumps that
// action's counters in the same transaction.
type Feedback struct {
	FeedbackID string       `json:"feedback_id"`
	ActionID   string       `json:"action_id"`
	PatternID  string       `json:"pattern_id,omitempty"`
	IssueID    string       `json:"issue_id,omitempty"`
	HealingID  string       `json:"healing_id,omitempty"`
	Kind       FeedbackKind `json:"kind"`

	// Category is the issue category the healed issue belonged to. It feeds
	// the impact multiplier and labels training samples.
	Category issues.Category `json:"category,omitempty"`

	Successful bool    `json:"successful"`
	Confidence float64 `json:"confidence"`
	Comment    string  `json:"comment,omitempty"`

	// Features is the numeric feature vector observed at classification
	// time, kept for model training.
	Features map[string]float64 `json:"features,omitempty"`
	Context  map[string]any     `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks feedback fields against their documented ranges.
func (f *Feedback) Validate() error {
	if !f.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFeedback, f.Kind)
	}

	if f.ActionID == "" {
		return fmt.Errorf("%w: action_id is required", ErrInvalidFeedback)
	}

	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidFeedback, f.Confidence)
	}

	return nil
}

// Impact scores how much this record should weigh in training data:
//
//	impact = base(kind) · confidence · category_multiplier · 0.9^(age_days/30)
//
// with base {automatic: 0.2, resolution: 0.5, manual: 0.7, inferred: 0.3}
// and category multipliers {data_quality: 1.2, pipeline: 0.8, other: 1.0}.
func (f *Feedback) Impact(now time.Time) float64 {
	return baseImpact[f.Kind] * f.Confidence * categoryMultiplier(f.Category) * decay(now.Sub(f.CreatedAt))
}

// categoryMultiplier biases learning toward data-quality evidence, where
// corrections are most reliable, and away from pipeline evidence, where
// outcomes are noisier.
func categoryMultiplier(category issues.Category) float64 {
	switch category {
	case issues.CategoryDataQuality:
		return 1.2
	case issues.CategoryPipeline:
		return 0.8
	default:
		return 1.0
	}
}

// decay discounts evidence by age: 0.9 per 30 days, never negative age.
func decay(age time.Duration) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}

	return math.Pow(0.9, days/30)
}
