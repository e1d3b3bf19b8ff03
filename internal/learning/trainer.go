package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/config"
	"github.com/pipemend-io/pipemend/internal/inference"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// Model registry constants.
const (
	// ModelIssueClassifier is the model the healing core retrains: the
	// issue-category classifier behind the local prediction path.
	ModelIssueClassifier = "issue_classifier"

	// BucketModels is the object store bucket holding model artifacts.
	BucketModels = "model-artifacts"

	// PrimaryMetricAccuracy is the validation metric champion promotion
	// compares on.
	PrimaryMetricAccuracy = "accuracy"
)

// Trainer defaults.
const (
	// defaultMinSamples is the training floor: fewer weighted samples than
	// this and the run aborts instead of producing a degenerate model.
	defaultMinSamples = 10

	// defaultPromotionMargin is the primary-metric improvement a challenger
	// needs over the champion.
	defaultPromotionMargin = 0.01

	// defaultKnowledgeLimit caps how many knowledge entries feed one run.
	defaultKnowledgeLimit = 100

	// validationStride takes every n-th sample for validation.
	validationStride = 5
)

type (
	// TrainerConfig configures a model trainer.
	TrainerConfig struct {
		// Feedback supplies the training window. Required.
		Feedback *FeedbackCollector

		// Knowledge supplements training data with knowledge entries that
		// carry feature vectors. Nil trains from feedback alone.
		Knowledge *KnowledgeBase

		// Objects stores the serialized artifacts. Required.
		Objects storage.ObjectStore

		// Guard holds the champion; promotion swaps it atomically. Nil
		// registers new versions without promoting.
		Guard *inference.ModelGuard

		// Window bounds how far back feedback is read. Zero means the
		// feedback retention default.
		Window time.Duration

		// MinSamples is the training floor. Zero means 10.
		MinSamples int

		// PromotionMargin is the required primary-metric improvement.
		// Zero means 0.01.
		PromotionMargin float64

		// KnowledgeLimit caps knowledge-base samples per run. Zero means 100.
		KnowledgeLimit int

		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// ModelTrainer retrains the classification model from accumulated
	// feedback and knowledge, registers each artifact as a new version, and
	// promotes it to champion only when it beats the current one.
	ModelTrainer struct {
		docs            storage.DocumentStore
		feedback        *FeedbackCollector
		knowledge       *KnowledgeBase
		objects         storage.ObjectStore
		guard           *inference.ModelGuard
		window          time.Duration
		minSamples      int
		promotionMargin float64
		knowledgeLimit  int
		logger          *slog.Logger
	}

	// ModelVersion is one registered artifact in the model registry.
	ModelVersion struct {
		RecordKind      string             `json:"record_kind"`
		ModelID         string             `json:"model_id"`
		Version         string             `json:"version"`
		ArtifactPath    string             `json:"artifact_path"`
		Digest          string             `json:"digest"`
		SampleCount     int                `json:"sample_count"`
		TrainCount      int                `json:"train_count"`
		ValidationCount int                `json:"validation_count"`
		Metrics         map[string]float64 `json:"metrics"`
		PrimaryMetric   string             `json:"primary_metric"`
		TrainedAt       time.Time          `json:"trained_at"`
	}

	// ChampionRecord points at the model version currently serving
	// predictions.
	ChampionRecord struct {
		RecordKind string    `json:"record_kind"`
		ModelID    string    `json:"model_id"`
		Version    string    `json:"version"`
		Score      float64   `json:"score"`
		PromotedAt time.Time `json:"promoted_at"`
	}

	// TrainingRun reports what one trainer pass did.
	TrainingRun struct {
		RunID           string             `json:"run_id"`
		ModelID         string             `json:"model_id"`
		Version         string             `json:"version"`
		ArtifactPath    string             `json:"artifact_path"`
		SampleCount     int                `json:"sample_count"`
		TrainCount      int                `json:"train_count"`
		ValidationCount int                `json:"validation_count"`
		Metrics         map[string]float64 `json:"metrics"`
		PrimaryMetric   string             `json:"primary_metric"`
		ChampionScore   float64            `json:"champion_score"`
		Promoted        bool               `json:"promoted"`
		TrainedAt       time.Time          `json:"trained_at"`
	}

	// sample is one weighted training observation.
	sample struct {
		features map[string]float64
		label    string
		weight   float64
	}
)

// NewModelTrainer creates a trainer over the given stores.
func NewModelTrainer(docs storage.DocumentStore, cfg TrainerConfig) *ModelTrainer {
	window := cfg.Window
	if window <= 0 {
		window = config.DefaultFeedbackRetentionDays * 24 * time.Hour
	}

	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultMinSamples
	}

	margin := cfg.PromotionMargin
	if margin <= 0 {
		margin = defaultPromotionMargin
	}

	knowledgeLimit := cfg.KnowledgeLimit
	if knowledgeLimit <= 0 {
		knowledgeLimit = defaultKnowledgeLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ModelTrainer{
		docs:            docs,
		feedback:        cfg.Feedback,
		knowledge:       cfg.Knowledge,
		objects:         cfg.Objects,
		guard:           cfg.Guard,
		window:          window,
		minSamples:      minSamples,
		promotionMargin: margin,
		knowledgeLimit:  knowledgeLimit,
		logger:          logger,
	}
}

// Train runs one retraining pass for a model: gather weighted samples from
// the feedback window and the knowledge base, split train/validation, fit,
// evaluate, register the artifact as a new version, and promote it to
// champion only on strict primary-metric improvement by at least the margin.
func (t *ModelTrainer) Train(ctx context.Context, modelID string) (*TrainingRun, error) {
	now := time.Now().UTC()

	samples, err := t.collectSamples(ctx, now)
	if err != nil {
		return nil, err
	}

	if len(samples) < t.minSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSamples, len(samples), t.minSamples)
	}

	train, validation := splitSamples(samples)

	artifact, err := fitLinearModel(train)
	if err != nil {
		return nil, err
	}

	accuracy, err := evaluate(ctx, artifact, validation)
	if err != nil {
		return nil, err
	}

	version, err := t.nextVersion(ctx, modelID)
	if err != nil {
		return nil, err
	}

	artifact.ModelID = modelID
	artifact.Version = version
	artifact.TrainedAt = now
	artifact.SampleCount = len(samples)
	artifact.Metrics = map[string]float64{PrimaryMetricAccuracy: accuracy}
	artifact.PrimaryMetric = PrimaryMetricAccuracy

	record, err := t.register(ctx, artifact, len(train), len(validation))
	if err != nil {
		return nil, err
	}

	run := &TrainingRun{
		RunID:           uuid.NewString(),
		ModelID:         modelID,
		Version:         version,
		ArtifactPath:    record.ArtifactPath,
		SampleCount:     len(samples),
		TrainCount:      len(train),
		ValidationCount: len(validation),
		Metrics:         artifact.Metrics,
		PrimaryMetric:   artifact.PrimaryMetric,
		TrainedAt:       now,
	}

	if err := t.maybePromote(ctx, artifact, run); err != nil {
		return nil, err
	}

	t.logger.Info("training run completed",
		slog.String("model_id", modelID),
		slog.String("version", version),
		slog.Int("samples", run.SampleCount),
		slog.Float64("accuracy", accuracy),
		slog.Bool("promoted", run.Promoted),
	)

	return run, nil
}

// Versions lists the registered versions of a model, oldest first.
func (t *ModelTrainer) Versions(ctx context.Context, modelID string) ([]ModelVersion, error) {
	raws, err := t.docs.Query(ctx, CollectionModels, storage.Criteria{
		"model_id":    modelID,
		"record_kind": "version",
	}, 0)
	if err != nil {
		return nil, err
	}

	versions := make([]ModelVersion, 0, len(raws))

	for _, raw := range raws {
		var version ModelVersion
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("failed to decode model version: %w", err)
		}

		versions = append(versions, version)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].TrainedAt.Before(versions[j].TrainedAt)
	})

	return versions, nil
}

// Champion returns the registry's champion pointer, or nil before any
// promotion.
func (t *ModelTrainer) Champion(ctx context.Context, modelID string) (*ChampionRecord, error) {
	raw, err := t.docs.Get(ctx, CollectionModels, championDocID(modelID))
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, nil
		}

		return nil, err
	}

	var champion ChampionRecord
	if err := json.Unmarshal(raw, &champion); err != nil {
		return nil, fmt.Errorf("failed to decode champion record: %w", err)
	}

	return &champion, nil
}

// collectSamples turns windowed feedback and relevant knowledge into
// weighted training samples. Records without a feature vector or a usable
// label carry no training signal and are skipped.
func (t *ModelTrainer) collectSamples(ctx context.Context, now time.Time) ([]sample, error) {
	records, err := t.feedback.Window(ctx, now.Add(-t.window))
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback window: %w", err)
	}

	samples := make([]sample, 0, len(records))

	for i := range records {
		record := &records[i]

		if !record.Category.IsValid() || len(record.Features) == 0 {
			continue
		}

		weight := record.Impact(now)
		if weight <= 0 {
			continue
		}

		samples = append(samples, sample{
			features: record.Features,
			label:    string(record.Category),
			weight:   weight,
		})
	}

	if t.knowledge == nil {
		return samples, nil
	}

	entries, err := t.knowledge.Relevant(ctx, EntryIssue, t.knowledgeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge entries: %w", err)
	}

	for i := range entries {
		entry := &entries[i]

		features, label, ok := knowledgeSample(entry)
		if !ok {
			continue
		}

		samples = append(samples, sample{
			features: features,
			label:    label,
			weight:   entry.Relevance(now),
		})
	}

	return samples, nil
}

// knowledgeSample extracts a training sample from an issue entry's body.
func knowledgeSample(entry *KnowledgeEntry) (map[string]float64, string, bool) {
	label, ok := entry.Body["category"].(string)
	if !ok || !issues.Category(label).IsValid() {
		return nil, "", false
	}

	rawFeatures, ok := entry.Body["features"].(map[string]any)
	if !ok || len(rawFeatures) == 0 {
		return nil, "", false
	}

	features := make(map[string]float64, len(rawFeatures))

	for name, value := range rawFeatures {
		number, ok := numericFeature(value)
		if !ok {
			continue
		}

		features[name] = number
	}

	if len(features) == 0 {
		return nil, "", false
	}

	return features, label, true
}

// numericFeature narrows a JSON-decoded value to a float64.
func numericFeature(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}

// splitSamples deals every n-th sample to validation, deterministically, so
// repeated runs over the same window split the same way.
func splitSamples(samples []sample) (train, validation []sample) {
	train = make([]sample, 0, len(samples))
	validation = make([]sample, 0, len(samples)/validationStride+1)

	for i := range samples {
		if i%validationStride == validationStride-1 {
			validation = append(validation, samples[i])
		} else {
			train = append(train, samples[i])
		}
	}

	// Both halves need evidence; tiny windows surrender a training sample.
	if len(validation) == 0 && len(train) > 1 {
		validation = append(validation, train[len(train)-1])
		train = train[:len(train)-1]
	}

	return train, validation
}

// fitLinearModel fits one linear scorer per label: weighted label centroids
// relative to the global mean, with log-prior biases. Simple, deterministic,
// and honest about what windowed feedback can support.
func fitLinearModel(train []sample) (*inference.ModelArtifact, error) {
	featureSet := make(map[string]struct{})
	labelWeight := make(map[string]float64)
	labelSums := make(map[string]map[string]float64)
	globalSums := make(map[string]float64)
	totalWeight := 0.0

	for i := range train {
		s := &train[i]

		if _, ok := labelSums[s.label]; !ok {
			labelSums[s.label] = make(map[string]float64)
		}

		labelWeight[s.label] += s.weight
		totalWeight += s.weight

		for name, value := range s.features {
			featureSet[name] = struct{}{}
			labelSums[s.label][name] += s.weight * value
			globalSums[name] += s.weight * value
		}
	}

	if totalWeight <= 0 {
		return nil, fmt.Errorf("%w: training weight is zero", ErrNotEnoughSamples)
	}

	features := make([]string, 0, len(featureSet))
	for name := range featureSet {
		features = append(features, name)
	}

	sort.Strings(features)

	labels := make([]string, 0, len(labelWeight))
	for label := range labelWeight {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	weights := make(map[string]map[string]float64, len(labels))
	bias := make(map[string]float64, len(labels))

	for _, label := range labels {
		weights[label] = make(map[string]float64, len(features))

		for _, name := range features {
			centroid := labelSums[label][name] / labelWeight[label]
			global := globalSums[name] / totalWeight
			weights[label][name] = centroid - global
		}

		// Laplace-smoothed log prior.
		bias[label] = math.Log((labelWeight[label] + 1) / (totalWeight + float64(len(labels))))
	}

	return &inference.ModelArtifact{
		Features: features,
		Labels:   labels,
		Weights:  weights,
		Bias:     bias,
	}, nil
}

// evaluate scores the artifact's accuracy over the validation split.
func evaluate(ctx context.Context, artifact *inference.ModelArtifact, validation []sample) (float64, error) {
	if len(validation) == 0 {
		return 0, fmt.Errorf("%w: empty validation split", ErrNotEnoughSamples)
	}

	// The artifact gets identity fields after evaluation; a scoring stub
	// passes validation here.
	scorer := inference.ModelArtifact{
		ModelID: "validation",
		Version: "validation",
		Labels:  artifact.Labels,
		Weights: artifact.Weights,
		Bias:    artifact.Bias,
	}

	model, err := inference.NewLocalModel(&scorer)
	if err != nil {
		return 0, err
	}

	correct := 0

	for i := range validation {
		prediction, err := model.Predict(ctx, "", validation[i].features)
		if err != nil {
			return 0, err
		}

		if prediction.Label == validation[i].label {
			correct++
		}
	}

	return float64(correct) / float64(len(validation)), nil
}

// nextVersion numbers the artifact after the registered version count.
func (t *ModelTrainer) nextVersion(ctx context.Context, modelID string) (string, error) {
	versions, err := t.Versions(ctx, modelID)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("v%d", len(versions)+1), nil
}

// register uploads the artifact and records the version in the registry.
func (t *ModelTrainer) register(ctx context.Context, artifact *inference.ModelArtifact, trainCount, validationCount int) (*ModelVersion, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model artifact: %w", err)
	}

	path := fmt.Sprintf("%s/%s.json", artifact.ModelID, artifact.Version)

	info, err := t.objects.Upload(ctx, BucketModels, path, payload, storage.ObjectMetadata{
		"model_id": artifact.ModelID,
		"version":  artifact.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload model artifact: %w", err)
	}

	record := &ModelVersion{
		RecordKind:      "version",
		ModelID:         artifact.ModelID,
		Version:         artifact.Version,
		ArtifactPath:    path,
		Digest:          info.Digest,
		SampleCount:     artifact.SampleCount,
		TrainCount:      trainCount,
		ValidationCount: validationCount,
		Metrics:         artifact.Metrics,
		PrimaryMetric:   artifact.PrimaryMetric,
		TrainedAt:       artifact.TrainedAt,
	}

	id := fmt.Sprintf("%s@%s", artifact.ModelID, artifact.Version)
	if err := t.docs.Set(ctx, CollectionModels, id, record); err != nil {
		return nil, fmt.Errorf("failed to register model version: %w", err)
	}

	return record, nil
}

// maybePromote swaps the challenger in as champion when it strictly improves
// the primary metric by at least the margin. The first registered model
// always becomes champion.
func (t *ModelTrainer) maybePromote(ctx context.Context, artifact *inference.ModelArtifact, run *TrainingRun) error {
	if t.guard == nil {
		return nil
	}

	score := artifact.PrimaryScore()

	if current := t.guard.Champion(); current != nil {
		currentArtifact := current.Artifact()
		run.ChampionScore = currentArtifact.PrimaryScore()

		if score < run.ChampionScore+t.promotionMargin {
			t.logger.Info("champion retained",
				slog.String("model_id", artifact.ModelID),
				slog.String("challenger", artifact.Version),
				slog.Float64("challenger_score", score),
				slog.Float64("champion_score", run.ChampionScore),
			)

			return nil
		}
	}

	model, err := inference.NewLocalModel(artifact)
	if err != nil {
		return err
	}

	t.guard.Swap(model)
	run.Promoted = true

	champion := &ChampionRecord{
		RecordKind: "champion",
		ModelID:    artifact.ModelID,
		Version:    artifact.Version,
		Score:      score,
		PromotedAt: artifact.TrainedAt,
	}

	if err := t.docs.Set(ctx, CollectionModels, championDocID(artifact.ModelID), champion); err != nil {
		return fmt.Errorf("failed to record champion: %w", err)
	}

	t.logger.Info("champion promoted",
		slog.String("model_id", artifact.ModelID),
		slog.String("version", artifact.Version),
		slog.Float64("score", score),
	)

	return nil
}

func championDocID(modelID string) string {
	return modelID + "@champion"
}
