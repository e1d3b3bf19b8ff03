package operators

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/correction"
	"github.com/pipemend-io/pipemend/internal/healing"
	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/patterns"
	"github.com/pipemend-io/pipemend/internal/rootcause"
	"github.com/pipemend-io/pipemend/internal/storage"
)

// fixtureSampler serves canned rows and records what was asked of it.
type fixtureSampler struct {
	rows        []map[string]any
	err         error
	lastDataset string
	lastTable   string
	lastLimit   int
}

func (s *fixtureSampler) Sample(_ context.Context, dataset, table string, limit int) ([]map[string]any, error) {
	s.lastDataset, s.lastTable, s.lastLimit = dataset, table, limit

	return s.rows, s.err
}

// echoEngine is a correction engine that succeeds with a canned corrected
// state for one issue category.
type echoEngine struct {
	category  issues.Category
	corrected map[string]any
}

func (e *echoEngine) Name() string { return "echo_engine" }

func (e *echoEngine) CanHandle(classification *issues.IssueClassification) bool {
	return classification != nil && classification.Category == e.category
}

func (e *echoEngine) Apply(_ context.Context, req correction.Request) (*correction.CorrectionResult, error) {
	return &correction.CorrectionResult{
		CorrectionID:   uuid.NewString(),
		Strategy:       "echo",
		OriginalState:  req.OriginalState,
		CorrectedState: e.corrected,
		Confidence:     0.9,
		Successful:     true,
	}, nil
}

// operatorHarness wires the operator facade over a full in-memory healing
// loop.
type operatorHarness struct {
	docs     *storage.MemoryDocumentStore
	metadata *metadata.Store
	patterns *patterns.Store
	graph    *lineage.Graph
	sampler  *fixtureSampler
	ops      *Operators
}

func newOperatorHarness(t *testing.T, engineCategory issues.Category, corrected map[string]any) *operatorHarness {
	t.Helper()

	docs := storage.NewMemoryDocumentStore()
	patternStore := patterns.NewStore(docs, patterns.StoreConfig{})

	cache, err := patterns.NewCache(patternStore, patterns.CacheConfig{})
	require.NoError(t, err)

	metadataStore := metadata.NewStore(docs, nil, metadata.StoreConfig{Environment: "test"})
	graph := lineage.NewGraph(docs, lineage.GraphConfig{})

	store := healing.NewStore(docs, healing.StoreConfig{
		Patterns: patternStore,
		Lineage:  graph,
		Metadata: metadataStore,
	})

	loop := healing.NewOrchestrator(store, healing.OrchestratorConfig{
		Classifier: issues.NewClassifier(issues.ClassifierConfig{}),
		Matcher:    patterns.NewMatcher(cache, patterns.MatcherConfig{}),
		Patterns:   patternStore,
		Analyzer:   rootcause.NewAnalyzer(metadataStore, graph, rootcause.AnalyzerConfig{}),
		Engines:    []correction.Engine{&echoEngine{category: engineCategory, corrected: corrected}},
	})

	sampler := &fixtureSampler{}

	return &operatorHarness{
		docs:     docs,
		metadata: metadataStore,
		patterns: patternStore,
		graph:    graph,
		sampler:  sampler,
		ops: New(Config{
			Metadata: metadataStore,
			Healing:  loop,
			Lineage:  graph,
			Sampler:  sampler,
		}),
	}
}

// seedPattern registers a category pattern keyed on the component feature
// with one proven active action, so strategy selection is deterministic.
func (h *operatorHarness) seedPattern(t *testing.T, category issues.Category, component string) {
	t.Helper()

	pattern, err := h.patterns.CreatePattern(context.Background(), patterns.Pattern{
		Name:                string(category) + "/" + component,
		Category:            category,
		Features:            map[string]any{"component": component},
		ConfidenceThreshold: 0.3,
		OccurrenceCount:     10,
		SuccessCount:        8,
	})
	require.NoError(t, err)

	_, err = h.patterns.CreateAction(context.Background(), patterns.Action{
		Kind:           patterns.ActionDataCorrection,
		Name:           "proven_fix",
		PatternID:      pattern.PatternID,
		Parameters:     map[string]any{"strategy": "echo"},
		ExecutionCount: 10,
		SuccessCount:   8,
		Active:         true,
	})
	require.NoError(t, err)
}

func qualityRulesPath(t *testing.T) string {
	t.Helper()

	return writeRules(t, `
rules:
  - {rule_id: id_not_null, kind: not_null, column: id}
  - {rule_id: id_unique, kind: unique, column: id}
`)
}

func TestValidateRecordsOutcome(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryDataQuality, nil)
	ctx := context.Background()

	h.sampler.rows = []map[string]any{
		{"id": "a"},
		{"id": "a"}, // duplicate fails id_unique
	}

	result, err := h.ops.Validate(ctx, "sales", "orders", qualityRulesPath(t), 0.9)

	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.InDelta(t, 0.5, result.QualityScore, 1e-9)
	assert.Equal(t, 2, result.SampledRows)
	assert.Equal(t, "sales", h.sampler.lastDataset)
	assert.Equal(t, defaultSampleLimit, h.sampler.lastLimit)

	// The outcome is queryable by validation id.
	records, err := h.metadata.SearchMetadata(ctx,
		storage.Criteria{"validation_id": result.ValidationID}, metadata.RecordDataQuality, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// And the validation node hangs off the dataset in lineage.
	downstream, err := h.graph.GetDatasetLineage(ctx, "sales", "orders", lineage.LineageQuery{Downstream: true})
	require.NoError(t, err)
	assert.NotEmpty(t, downstream.Downstream)
}

func TestValidatePassesAtThreshold(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryDataQuality, nil)

	h.sampler.rows = []map[string]any{{"id": "a"}, {"id": "b"}}

	result, err := h.ops.Validate(context.Background(), "sales", "orders", qualityRulesPath(t), 1.0)

	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.InDelta(t, 1.0, result.QualityScore, 1e-9)
}

func TestValidateArgumentChecks(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryDataQuality, nil)
	ctx := context.Background()

	_, err := h.ops.Validate(ctx, "", "orders", "rules.yaml", 0.9)
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = h.ops.Validate(ctx, "sales", "", "rules.yaml", 0.9)
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = h.ops.Validate(ctx, "sales", "orders", "", 0.9)
	assert.ErrorIs(t, err, ErrMissingArgument)

	_, err = h.ops.Validate(ctx, "sales", "orders", "rules.yaml", 1.5)
	assert.Error(t, err)
}

func TestHealDataQualityRunsRecovery(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryDataQuality, map[string]any{"staged_path": "corrected/orders"})
	h.seedPattern(t, issues.CategoryDataQuality, "data_quality")
	ctx := context.Background()

	h.sampler.rows = []map[string]any{{"id": "a"}, {"id": "a"}}

	validation, err := h.ops.Validate(ctx, "sales", "orders", qualityRulesPath(t), 0.9)
	require.NoError(t, err)
	require.False(t, validation.Passed)

	result, err := h.ops.HealDataQuality(ctx, validation.ValidationID,
		map[string]any{"bucket": "staging", "path": "orders"})

	require.NoError(t, err)
	assert.Equal(t, validation.ValidationID, result.ValidationID)
	assert.True(t, result.Successful)
	assert.Equal(t, healing.StatusSuccess.String(), result.Status)
	assert.NotEmpty(t, result.HealingID)
	assert.NotEmpty(t, result.CorrectionID)
	// Pinned data-quality category classifies with explicit confidence.
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestHealDataQualityUnknownValidation(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryDataQuality, nil)

	_, err := h.ops.HealDataQuality(context.Background(), "missing", nil)

	assert.ErrorIs(t, err, ErrValidationNotFound)
}

func TestHealDataQualityWithoutOrchestrator(t *testing.T) {
	ops := New(Config{Metadata: metadata.NewStore(storage.NewMemoryDocumentStore(), nil, metadata.StoreConfig{})})

	_, err := ops.HealDataQuality(context.Background(), "v-1", nil)

	assert.ErrorIs(t, err, ErrHealingUnavailable)
}

func TestAdjustPipelineAppliesCorrectedConfig(t *testing.T) {
	corrected := map[string]any{"timeout_seconds": float64(1200)}
	h := newOperatorHarness(t, issues.CategoryPipeline, corrected)
	h.seedPattern(t, issues.CategoryPipeline, "scheduler")
	ctx := context.Background()

	_, err := h.metadata.TrackPipelineExecution(ctx, metadata.PipelineExecutionRecord{
		ExecutionID: "exec-9",
		PipelineID:  "sales-ingest",
		Status:      metadata.StatusRunning,
		StartTime:   time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = h.metadata.UpdatePipelineExecution(ctx, "exec-9", metadata.ExecutionUpdate{
		Status: metadata.StatusFailed,
		ErrorDetails: map[string]any{
			"message":   "task timed out after 600 seconds",
			"component": "scheduler",
		},
	})
	require.NoError(t, err)

	result, err := h.ops.AdjustPipeline(ctx, "sales-ingest", "exec-9",
		map[string]any{"timeout_seconds": float64(600)})

	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, healing.StatusSuccess.String(), result.Status)
	assert.Equal(t, corrected, result.AdjustedConfig)
	assert.NotEmpty(t, result.HealingID)
}

func TestAdjustPipelineWithoutExecutionRecord(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryPipeline, map[string]any{"retries": 3})
	h.seedPattern(t, issues.CategoryPipeline, "pipeline")

	// No metadata record exists; the operator still builds a descriptor.
	result, err := h.ops.AdjustPipeline(context.Background(), "sales-ingest", "exec-unknown", nil)

	require.NoError(t, err)
	assert.NotEmpty(t, result.IssueID)
}

func TestOrchestrateRecovery(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryPipeline, map[string]any{"resolved": true})
	h.seedPattern(t, issues.CategoryPipeline, "loader")

	result, err := h.ops.OrchestrateRecovery(context.Background(), "issue-42", map[string]any{
		"error_message": "task timed out waiting for upstream",
		"component":     "loader",
		"execution_id":  "exec-7",
		"pipeline_id":   "sales-ingest",
	})

	require.NoError(t, err)
	assert.True(t, result.Successful)
	assert.Equal(t, healing.StatusSuccess.String(), result.Status)
	assert.Equal(t, healing.SourcePatternAction, result.StrategySource)
	assert.NotEmpty(t, result.Recoverability)
}

func TestOrchestrateRecoveryArgumentChecks(t *testing.T) {
	h := newOperatorHarness(t, issues.CategoryPipeline, nil)

	_, err := h.ops.OrchestrateRecovery(context.Background(), "", nil)

	assert.ErrorIs(t, err, ErrMissingArgument)
}
