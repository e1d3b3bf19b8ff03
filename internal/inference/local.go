package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"
)

type (
	// ModelArtifact is the serialized form of a trained model: one linear
	// scorer per label plus the evaluation metrics recorded at training time.
	// Artifacts are written by the model trainer and loaded at startup.
	ModelArtifact struct {
		ModelID       string                        `json:"model_id"`
		Version       string                        `json:"version"`
		TrainedAt     time.Time                     `json:"trained_at"`
		SampleCount   int                           `json:"sample_count"`
		Features      []string                      `json:"features"`
		Labels        []string                      `json:"labels"`
		Weights       map[string]map[string]float64 `json:"weights"`
		Bias          map[string]float64            `json:"bias"`
		Metrics       map[string]float64            `json:"metrics"`
		PrimaryMetric string                        `json:"primary_metric"`
	}

	// LocalModel scores features against a ModelArtifact in process. The
	// artifact is immutable after construction, so a LocalModel is safe for
	// concurrent use.
	LocalModel struct {
		artifact ModelArtifact
	}
)

var _ Client = (*LocalModel)(nil)

// Validate checks that the artifact can actually score something.
func (a *ModelArtifact) Validate() error {
	if a.ModelID == "" {
		return fmt.Errorf("%w: model_id is required", ErrBadArtifact)
	}

	if a.Version == "" {
		return fmt.Errorf("%w: version is required", ErrBadArtifact)
	}

	if len(a.Labels) == 0 {
		return fmt.Errorf("%w: artifact has no labels", ErrBadArtifact)
	}

	for _, label := range a.Labels {
		if _, ok := a.Weights[label]; !ok {
			return fmt.Errorf("%w: label %q has no weights", ErrBadArtifact, label)
		}
	}

	return nil
}

// PrimaryScore returns the artifact's primary evaluation metric, the value
// champion promotion compares on.
func (a *ModelArtifact) PrimaryScore() float64 {
	return a.Metrics[a.PrimaryMetric]
}

// LoadArtifact reads and validates a model artifact from disk.
func LoadArtifact(path string) (*ModelArtifact, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration.
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}

	var artifact ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}

	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	return &artifact, nil
}

// NewLocalModel wraps a validated artifact in a prediction client.
func NewLocalModel(artifact *ModelArtifact) (*LocalModel, error) {
	if artifact == nil {
		return nil, fmt.Errorf("%w: artifact is nil", ErrBadArtifact)
	}

	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	return &LocalModel{artifact: *artifact}, nil
}

// Artifact returns a copy of the model's artifact.
func (m *LocalModel) Artifact() ModelArtifact {
	return m.artifact
}

// Predict scores the features with one linear model per label and softmaxes
// the logits into scores. The endpoint argument is ignored; the model was
// chosen at load time.
func (m *LocalModel) Predict(ctx context.Context, _ string, features map[string]float64) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logits := make(map[string]float64, len(m.artifact.Labels))
	maxLogit := math.Inf(-1)

	for _, label := range m.artifact.Labels {
		logit := m.artifact.Bias[label]

		for name, weight := range m.artifact.Weights[label] {
			logit += weight * features[name]
		}

		logits[label] = logit

		if logit > maxLogit {
			maxLogit = logit
		}
	}

	// Softmax shifted by the max logit for numerical stability.
	scores := make(map[string]float64, len(logits))
	total := 0.0

	for label, logit := range logits {
		score := math.Exp(logit - maxLogit)
		scores[label] = score
		total += score
	}

	prediction := &Prediction{
		Predictions:  make(map[string]float64, len(scores)),
		ModelID:      m.artifact.ModelID,
		ModelVersion: m.artifact.Version,
	}

	// Deterministic argmax: ties go to the lexicographically smaller label.
	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	for _, label := range labels {
		normalized := scores[label] / total
		prediction.Predictions[label] = normalized

		if normalized > prediction.Confidence {
			prediction.Confidence = normalized
			prediction.Label = label
		}
	}

	return prediction, nil
}
