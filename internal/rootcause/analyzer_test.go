package rootcause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/storage"
)

func newTestAnalyzer(t *testing.T, config AnalyzerConfig) (*Analyzer, *metadata.Store, *lineage.Graph) {
	t.Helper()

	docs := storage.NewMemoryDocumentStore()
	meta := metadata.NewStore(docs, nil, metadata.StoreConfig{Environment: "test"})
	graph := lineage.NewGraph(docs, lineage.GraphConfig{})

	return NewAnalyzer(meta, graph, config), meta, graph
}

func TestAnalyzeRanksKnownPrecedenceFirst(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	analyzer, meta, _ := newTestAnalyzer(t, AnalyzerConfig{})

	now := time.Now().UTC()

	// A schema change and an unrelated failed task, both shortly before the
	// issue. Schema changes are known to precede data-quality failures, so
	// the schema cause must outrank the task cause.
	_, err := meta.TrackSchemaMetadata(ctx, metadata.SchemaMetadataRecord{
		SchemaID:   "sch-1",
		SchemaName: "analytics.orders",
		Version:    "1.1.0",
	})
	require.NoError(t, err)

	_, err = meta.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
		ExecutionID: "run-7",
		TaskID:      "transform_clicks",
		TaskKind:    "transformation",
		Status:      metadata.StatusFailed,
		StartTime:   now.Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	descriptor := &issues.IssueDescriptor{
		ErrorMessage: "schema mismatch detected during load",
		Dataset:      "analytics",
		Table:        "orders",
		ExecutionID:  "run-1",
		OccurredAt:   now.Add(2 * time.Second),
	}
	classification := &issues.IssueClassification{
		IssueID:   "iss-1",
		Category:  issues.CategoryDataQuality,
		IssueType: "schema_mismatch",
	}

	analysis, err := analyzer.Analyze(ctx, descriptor, classification)
	require.NoError(t, err)

	require.NotEmpty(t, analysis.RootCauses)
	assert.Equal(t, "schema_change", analysis.RootCauses[0].Type)
	assert.Equal(t, issues.CategoryDataQuality, analysis.RootCauses[0].Category)
	assert.NotEmpty(t, analysis.RootCauses[0].RecommendedAction)

	primary := analysis.PrimaryCause()
	require.NotNil(t, primary)
	assert.Equal(t, "schema_change", primary.Type)

	// The task is distant in time and has no precedence link to data quality.
	var taskCause *RootCause

	for i := range analysis.RootCauses {
		if analysis.RootCauses[i].Type == "failed_task" {
			taskCause = &analysis.RootCauses[i]
		}
	}

	require.NotNil(t, taskCause)
	assert.Less(t, taskCause.Confidence, analysis.RootCauses[0].Confidence)

	assert.Equal(t, "issue:iss-1", analysis.CausalityGraph.Root)
	assert.GreaterOrEqual(t, len(analysis.CausalityGraph.Nodes), 3)
}

func TestAnalyzeComponentAdjacencyBoostsConfidence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	now := time.Now().UTC()

	track := func(t *testing.T, meta *metadata.Store) {
		t.Helper()

		_, err := meta.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
			ExecutionID: "run-7",
			TaskID:      "load_orders",
			TaskKind:    "load",
			Status:      metadata.StatusFailed,
			StartTime:   now.Add(-10 * time.Minute),
		})
		require.NoError(t, err)
	}

	classification := &issues.IssueClassification{
		IssueID:   "iss-1",
		Category:  issues.CategoryDataQuality,
		IssueType: "missing_values",
	}

	analyzerA, metaA, _ := newTestAnalyzer(t, AnalyzerConfig{})
	track(t, metaA)

	baseline, err := analyzerA.Analyze(ctx, &issues.IssueDescriptor{
		ErrorMessage: "null value in column amount",
		OccurredAt:   now,
	}, classification)
	require.NoError(t, err)
	require.Len(t, baseline.RootCauses, 1)

	analyzerB, metaB, _ := newTestAnalyzer(t, AnalyzerConfig{})
	track(t, metaB)

	adjacent, err := analyzerB.Analyze(ctx, &issues.IssueDescriptor{
		ErrorMessage: "null value in column amount",
		Component:    "load_orders",
		OccurredAt:   now,
	}, classification)
	require.NoError(t, err)
	require.Len(t, adjacent.RootCauses, 1)

	assert.Greater(t, adjacent.RootCauses[0].Confidence, baseline.RootCauses[0].Confidence,
		"a same-component cause must score higher")
}

func TestAnalyzeWindowExcludesDistantEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	analyzer, meta, _ := newTestAnalyzer(t, AnalyzerConfig{})

	now := time.Now().UTC()

	_, err := meta.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
		ExecutionID: "run-old",
		TaskID:      "extract_orders",
		Status:      metadata.StatusFailed,
		StartTime:   now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	analysis, err := analyzer.Analyze(ctx, &issues.IssueDescriptor{
		ErrorMessage: "operation timed out",
		OccurredAt:   now,
	}, &issues.IssueClassification{
		IssueID:   "iss-1",
		Category:  issues.CategoryPipeline,
		IssueType: "task_timeout",
	})
	require.NoError(t, err)

	assert.Empty(t, analysis.RootCauses, "events outside the window are not evidence")
	assert.Nil(t, analysis.PrimaryCause())
}

func TestAnalyzeEventsAfterIssueAreRelatedNotCausal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	analyzer, meta, _ := newTestAnalyzer(t, AnalyzerConfig{})

	now := time.Now().UTC()

	_, err := meta.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
		ExecutionID: "run-7",
		TaskID:      "publish_metrics",
		Status:      metadata.StatusFailed,
		StartTime:   now.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	analysis, err := analyzer.Analyze(ctx, &issues.IssueDescriptor{
		ErrorMessage: "operation timed out",
		OccurredAt:   now,
	}, &issues.IssueClassification{
		IssueID:   "iss-1",
		Category:  issues.CategoryPipeline,
		IssueType: "task_timeout",
	})
	require.NoError(t, err)

	assert.Empty(t, analysis.RootCauses, "later events cannot cause earlier issues")
	assert.Equal(t, 1, analysis.Context["related_after_issue"])
}

func TestAnalyzeUpstreamLineageEvidence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	analyzer, _, graph := newTestAnalyzer(t, AnalyzerConfig{})

	_, err := graph.RecordExtraction(ctx, lineage.ExtractionEvent{
		SourceID: "crm",
		Target:   lineage.DatasetRef{Dataset: "raw", Table: "orders"},
	})
	require.NoError(t, err)

	_, err = graph.RecordLoad(ctx, lineage.LoadEvent{
		Source: lineage.DatasetRef{Dataset: "raw", Table: "orders"},
		Target: lineage.DatasetRef{Dataset: "analytics", Table: "orders"},
	})
	require.NoError(t, err)

	analysis, err := analyzer.Analyze(ctx, &issues.IssueDescriptor{
		ErrorMessage: "validation failed: null value in column amount",
		Dataset:      "analytics",
		Table:        "orders",
		OccurredAt:   time.Now().UTC(),
	}, &issues.IssueClassification{
		IssueID:   "iss-1",
		Category:  issues.CategoryDataQuality,
		IssueType: "missing_values",
	})
	require.NoError(t, err)

	var upstreamCause *RootCause

	for i := range analysis.RootCauses {
		if analysis.RootCauses[i].Type == "upstream_data_change" {
			upstreamCause = &analysis.RootCauses[i]
		}
	}

	require.NotNil(t, upstreamCause, "upstream dataset must surface as a cause")
	assert.False(t, upstreamCause.BelowThreshold)

	var hasUpstreamEdge bool

	for _, edge := range analysis.CausalityGraph.Edges {
		if edge.Relation == RelationUpstream {
			hasUpstreamEdge = true
		}
	}

	assert.True(t, hasUpstreamEdge)
}

func TestAnalyzeGroupPromotesSharedCauses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	analyzer, meta, _ := newTestAnalyzer(t, AnalyzerConfig{Window: 4 * time.Minute})

	now := time.Now().UTC()

	// The schema change is inside both issues' windows; the failed task is
	// only inside the first issue's window.
	_, err := meta.TrackSchemaMetadata(ctx, metadata.SchemaMetadataRecord{
		SchemaID:   "sch-1",
		SchemaName: "analytics.orders",
		Version:    "2.0.0",
	})
	require.NoError(t, err)

	_, err = meta.TrackTaskExecution(ctx, metadata.TaskExecutionRecord{
		ExecutionID: "run-7",
		TaskID:      "load_orders",
		Status:      metadata.StatusFailed,
		StartTime:   now.Add(-3 * time.Minute),
	})
	require.NoError(t, err)

	items := []GroupItem{
		{
			Descriptor: &issues.IssueDescriptor{
				ErrorMessage: "schema mismatch detected",
				OccurredAt:   now.Add(time.Second),
			},
			Classification: &issues.IssueClassification{
				IssueID:   "iss-1",
				Category:  issues.CategoryDataQuality,
				IssueType: "schema_mismatch",
			},
		},
		{
			Descriptor: &issues.IssueDescriptor{
				ErrorMessage: "schema mismatch detected",
				OccurredAt:   now.Add(2 * time.Minute),
			},
			Classification: &issues.IssueClassification{
				IssueID:   "iss-2",
				Category:  issues.CategoryDataQuality,
				IssueType: "schema_mismatch",
			},
		},
	}

	shared, err := analyzer.AnalyzeGroup(ctx, items)
	require.NoError(t, err)

	require.Len(t, shared.RootCauses, 1, "only causes common to every issue are promoted")
	assert.Equal(t, "schema_change", shared.RootCauses[0].Type)
	assert.Len(t, shared.RootCauses[0].Evidence, 2, "evidence merged across issues")
	assert.Equal(t, 2, shared.Context["issue_count"])
}

func TestPrimaryCauseSkipsFlaggedCauses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	analysis := &Analysis{
		RootCauses: []RootCause{
			{CauseID: "c1", Type: "weak", Confidence: 0.2, BelowThreshold: true, RecommendedAction: "look closer"},
			{CauseID: "c2", Type: "solid", Confidence: 0.1, BelowThreshold: false},
		},
	}

	primary := analysis.PrimaryCause()
	require.NotNil(t, primary)
	assert.Equal(t, "solid", primary.Type)

	assert.Equal(t, "look closer", analysis.BestRecommendation(),
		"recommendations may come from flagged causes")

	empty := &Analysis{RootCauses: []RootCause{{BelowThreshold: true}}}
	assert.Nil(t, empty.PrimaryCause())
}
