package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/faults"
	"github.com/pipemend-io/pipemend/internal/inference"
)

// DefaultConfidenceThreshold is the floor below which classifications are
// downgraded to manual recoverability.
const DefaultConfidenceThreshold = 0.85

// Rule-path confidence tiers. An explicit category pinned by the caller
// outranks a message-pattern match, which outranks a guess.
const (
	confidenceExplicit = 0.95
	confidenceMatched  = 0.9
	confidenceUnknown  = 0.3
)

// issueCategoryFor folds the fine-grained fault taxonomy into the coarser
// issue taxonomy patterns and corrections are organized by.
var issueCategoryFor = map[faults.Category]Category{
	faults.CategoryData:               CategoryDataQuality,
	faults.CategoryValidation:         CategoryDataQuality,
	faults.CategorySchema:             CategoryDataQuality,
	faults.CategoryTimeout:            CategoryPipeline,
	faults.CategoryConfiguration:      CategoryPipeline,
	faults.CategoryDependency:         CategoryPipeline,
	faults.CategoryUnknown:            CategoryPipeline,
	faults.CategoryConnection:         CategorySystem,
	faults.CategoryAuthentication:     CategorySystem,
	faults.CategoryAuthorization:      CategorySystem,
	faults.CategoryServiceUnavailable: CategorySystem,
	faults.CategoryResource:           CategoryResource,
	faults.CategoryRateLimit:          CategoryResource,
}

// defaultIssueType names the issue type used when only the category is
// known, for verdicts adopted from a model prediction.
var defaultIssueType = map[Category]string{
	CategoryDataQuality: "data_quality_failure",
	CategoryPipeline:    "pipeline_failure",
	CategorySystem:      "system_failure",
	CategoryResource:    "resource_exhaustion",
}

type (
	// ClassifierConfig tunes issue classification.
	ClassifierConfig struct {
		// Faults is the error classifier the rule path runs on. Nil means a
		// default faults.Classifier.
		Faults *faults.Classifier

		// Model optionally sharpens rule verdicts. Nil disables the model
		// path entirely.
		Model inference.Client

		// ModelEndpoint is the endpoint or model name passed to Predict.
		ModelEndpoint string

		// ConfidenceThreshold is the downgrade floor. Zero means
		// DefaultConfidenceThreshold.
		ConfidenceThreshold float64

		// Logger receives one structured record per classification.
		// Nil means slog.Default().
		Logger *slog.Logger
	}

	// Classifier turns issue descriptors into classifications. The rule
	// engine always runs; a configured model may sharpen or override the
	// rule verdict, and model failures degrade to the rule verdict rather
	// than failing the classification.
	Classifier struct {
		faults    *faults.Classifier
		model     inference.Client
		endpoint  string
		threshold float64
		logger    *slog.Logger
	}
)

// NewClassifier creates an issue classifier, applying defaults for
// zero-valued config fields.
func NewClassifier(config ClassifierConfig) *Classifier {
	faultsClassifier := config.Faults
	if faultsClassifier == nil {
		faultsClassifier = faults.NewClassifier(faults.ClassifierConfig{Logger: config.Logger})
	}

	threshold := config.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		faults:    faultsClassifier,
		model:     config.Model,
		endpoint:  config.ModelEndpoint,
		threshold: threshold,
		logger:    logger,
	}
}

// Faults exposes the underlying error classifier so intake layers can reuse
// the same retry semantics this classifier folds into its verdicts.
func (c *Classifier) Faults() *faults.Classifier {
	return c.faults
}

// Classify produces the issue verdict for one failure signal.
//
// The fault taxonomy verdict supplies severity and recoverability; the issue
// category, type, and feature vector are derived on top of it. Verdicts whose
// confidence lands below the threshold keep their content but are downgraded
// to manual recoverability so they park for review instead of auto-healing.
func (c *Classifier) Classify(ctx context.Context, descriptor *IssueDescriptor) (*IssueClassification, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	signal, explicit := descriptor.signalError()
	faultVerdict := c.faults.Classify(signal, faults.Context{
		RetryCount: descriptor.RetryCount,
		IsCritical: descriptor.IsCritical,
	})

	category := issueCategoryFor[faultVerdict.Category]
	issueType := refineIssueType(faultVerdict.Category, strings.ToLower(descriptor.ErrorMessage))

	confidence := confidenceMatched
	switch {
	case explicit:
		confidence = confidenceExplicit
	case faultVerdict.Category == faults.CategoryUnknown:
		confidence = confidenceUnknown
	}

	category, issueType, confidence = c.sharpenWithModel(ctx, descriptor, faultVerdict, category, issueType, confidence)

	classification := &IssueClassification{
		IssueID:           uuid.NewString(),
		Category:          category,
		Severity:          faultVerdict.Severity,
		Recoverability:    faultVerdict.Recoverability,
		IssueType:         issueType,
		Description:       descriptor.description(),
		RecommendedAction: recommendedAction(faultVerdict),
		Confidence:        confidence,
		Features:          ExtractFeatures(descriptor, category, issueType),
	}

	if confidence < c.threshold && classification.Recoverability == faults.AutoRecoverable {
		classification.Recoverability = faults.ManualRecoverable

		c.logger.Warn("low-confidence classification downgraded",
			slog.String("issue_id", classification.IssueID),
			slog.Float64("confidence", confidence),
			slog.Float64("threshold", c.threshold),
		)
	}

	c.logger.Info("issue classified",
		slog.String("issue_id", classification.IssueID),
		slog.String("category", string(classification.Category)),
		slog.String("issue_type", classification.IssueType),
		slog.String("severity", string(classification.Severity)),
		slog.String("recoverability", string(classification.Recoverability)),
		slog.Float64("confidence", classification.Confidence),
	)

	return classification, nil
}

// sharpenWithModel lets a configured model adjust the rule verdict. A
// prediction agreeing on the category replaces the confidence; a dissenting
// prediction wins only when it is more confident than the rules. Model
// failures keep the rule verdict.
func (c *Classifier) sharpenWithModel(
	ctx context.Context,
	descriptor *IssueDescriptor,
	faultVerdict faults.Classification,
	category Category,
	issueType string,
	confidence float64,
) (Category, string, float64) {
	if c.model == nil {
		return category, issueType, confidence
	}

	prediction, err := c.model.Predict(ctx, c.endpoint, ModelFeatures(descriptor, faultVerdict))
	if err != nil {
		if !errors.Is(err, inference.ErrNoChampion) {
			c.logger.Warn("model prediction unavailable, using rule verdict", slog.Any("error", err))
		}

		return category, issueType, confidence
	}

	predicted := Category(prediction.Label)
	if !predicted.IsValid() {
		c.logger.Warn("model predicted unknown category, using rule verdict",
			slog.String("label", prediction.Label))

		return category, issueType, confidence
	}

	if predicted == category {
		return category, issueType, prediction.Confidence
	}

	if prediction.Confidence > confidence {
		c.logger.Info("model overrode rule category",
			slog.String("rule_category", string(category)),
			slog.String("model_category", string(predicted)),
			slog.Float64("model_confidence", prediction.Confidence),
		)

		return predicted, defaultIssueType[predicted], prediction.Confidence
	}

	return category, issueType, confidence
}

// ModelFeatures encodes a descriptor into the numeric feature space the
// classification models are trained on: a one-hot fault category, the retry
// and criticality context, and raw metrics.
func ModelFeatures(descriptor *IssueDescriptor, faultVerdict faults.Classification) map[string]float64 {
	features := map[string]float64{
		"fault_" + string(faultVerdict.Category): 1,
		"retry_count":                            float64(descriptor.RetryCount),
	}

	if descriptor.IsCritical {
		features["is_critical"] = 1
	}

	for key, value := range descriptor.Metrics {
		features["metric_"+key] = value
	}

	return features
}

// signalError rebuilds an error value from the descriptor for the fault
// classifier. The second return reports whether the caller pinned the fault
// category explicitly via context.
func (d *IssueDescriptor) signalError() (error, bool) {
	message := strings.TrimSpace(d.ErrorMessage)
	if message == "" {
		component := strings.TrimSpace(d.Component)
		if component == "" {
			component = "pipeline"
		}

		message = fmt.Sprintf("%s reported a failure", component)
	}

	signal := errors.New(message)

	// Breaker rejections cross process boundaries as text; rebuild the
	// sentinel so the verdict stays fail-fast.
	if strings.Contains(strings.ToLower(message), "circuit breaker open") {
		signal = fmt.Errorf("%w: %s", faults.ErrCircuitOpen, message)
	}

	if raw, ok := d.Context["fault_category"].(string); ok {
		pinned := faults.Category(raw)
		if _, known := issueCategoryFor[pinned]; known {
			return faults.Categorize(signal, pinned), true
		}
	}

	return signal, false
}

// description renders the human-readable issue summary.
func (d *IssueDescriptor) description() string {
	message := strings.TrimSpace(d.ErrorMessage)
	if message == "" {
		component := strings.TrimSpace(d.Component)
		if component == "" {
			component = "pipeline"
		}

		return fmt.Sprintf("%s reported a failure without a message", component)
	}

	return message
}

// recommendedAction surfaces the first suggested remediation step.
func recommendedAction(faultVerdict faults.Classification) string {
	if len(faultVerdict.SuggestedActions) > 0 {
		return faultVerdict.SuggestedActions[0]
	}

	return "escalate to operator"
}

// typeRefinement maps message substrings to a finer issue type within one
// fault category. First match wins.
type typeRefinement struct {
	needles   []string
	issueType string
}

// refinements narrows the issue type per fault category using message text.
var refinements = map[faults.Category][]typeRefinement{
	faults.CategoryData: {
		{[]string{"parse error", "malformed", "unexpected token"}, "malformed_records"},
		{[]string{"duplicate"}, "duplicate_records"},
		{[]string{"corrupt"}, "corrupt_data"},
	},
	faults.CategoryValidation: {
		{[]string{"null value", "missing value", "missing required"}, "missing_values"},
		{[]string{"outlier", "out of range", "anomal"}, "outliers"},
		{[]string{"format"}, "format_violation"},
	},
	faults.CategorySchema: {
		{[]string{"drift"}, "schema_drift"},
		{[]string{"type mismatch", "incompatible type"}, "type_mismatch"},
	},
	faults.CategoryResource: {
		{[]string{"memory"}, "memory_exhaustion"},
		{[]string{"disk", "no space"}, "disk_exhaustion"},
	},
}

// fallbackIssueType is the per-fault-category issue type when no refinement
// matches.
var fallbackIssueType = map[faults.Category]string{
	faults.CategoryData:               "corrupt_data",
	faults.CategoryValidation:         "validation_failure",
	faults.CategorySchema:             "schema_mismatch",
	faults.CategoryTimeout:            "task_timeout",
	faults.CategoryConfiguration:      "invalid_configuration",
	faults.CategoryDependency:         "dependency_failure",
	faults.CategoryConnection:         "connection_failure",
	faults.CategoryAuthentication:     "access_denied",
	faults.CategoryAuthorization:      "access_denied",
	faults.CategoryServiceUnavailable: "downstream_unavailable",
	faults.CategoryResource:           "resource_exhaustion",
	faults.CategoryRateLimit:          "rate_limited",
	faults.CategoryUnknown:            "unclassified_failure",
}

func refineIssueType(faultCategory faults.Category, loweredMessage string) string {
	for _, refinement := range refinements[faultCategory] {
		for _, needle := range refinement.needles {
			if strings.Contains(loweredMessage, needle) {
				return refinement.issueType
			}
		}
	}

	return fallbackIssueType[faultCategory]
}
