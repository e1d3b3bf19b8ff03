package rootcause

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pipemend-io/pipemend/internal/issues"
	"github.com/pipemend-io/pipemend/internal/lineage"
	"github.com/pipemend-io/pipemend/internal/metadata"
	"github.com/pipemend-io/pipemend/internal/storage"
)

const (
	// DefaultWindow bounds the related-event fetch around the issue.
	DefaultWindow = 15 * time.Minute

	// DefaultGraphDepth bounds the causality graph walk.
	DefaultGraphDepth = 3

	// DefaultMinConfidence flags causes the orchestrator should not act on
	// without corroboration.
	DefaultMinConfidence = 0.3

	// fetchLimit caps each per-record-type window query.
	fetchLimit = 50

	// confidenceCeiling keeps causal inference from claiming certainty.
	confidenceCeiling = 0.95
)

// Edge strengths per correlation rule. Temporal strength decays linearly
// with distance from the issue; the others are fixed priors.
const (
	strengthComponent = 0.8
	strengthUpstream  = 0.85
	strengthChain     = 0.6
)

// precedenceStrength scores how strongly an evidence kind is known to
// precede issues of a category. Zero means no known precedence.
var precedenceStrength = map[string]map[issues.Category]float64{
	EvidenceSchema: {
		issues.CategoryDataQuality: 0.9,
		issues.CategoryPipeline:    0.5,
	},
	EvidenceQuality: {
		issues.CategoryDataQuality: 0.75,
	},
	EvidenceTask: {
		issues.CategoryPipeline: 0.7,
		issues.CategorySystem:   0.5,
	},
	EvidenceExecution: {
		issues.CategoryPipeline: 0.6,
		issues.CategoryResource: 0.5,
	},
	EvidenceUpstream: {
		issues.CategoryDataQuality: 0.85,
	},
	EvidenceHealing: {
		issues.CategoryDataQuality: 0.5,
		issues.CategoryPipeline:    0.5,
	},
}

// causeProfile maps an evidence kind to the cause taxonomy it implies.
type causeProfile struct {
	category  issues.Category
	causeType string
	action    string
}

var causeProfiles = map[string]causeProfile{
	EvidenceSchema:    {issues.CategoryDataQuality, "schema_change", "plan schema evolution against the new version"},
	EvidenceQuality:   {issues.CategoryDataQuality, "failed_validation", "apply data correction to the failing records"},
	EvidenceTask:      {issues.CategoryPipeline, "failed_task", "inspect the failed task and rerun it"},
	EvidenceExecution: {issues.CategoryPipeline, "concurrent_pipeline_failure", "check shared infrastructure for a common fault"},
	EvidenceUpstream:  {issues.CategoryDataQuality, "upstream_data_change", "validate the upstream dataset before rerunning"},
	EvidenceHealing:   {issues.CategoryPipeline, "prior_healing_failure", "review healing history before another attempt"},
}

type (
	// AnalyzerConfig tunes root-cause analysis.
	AnalyzerConfig struct {
		// Window is the ± bound of the related-event fetch. Zero means 15m.
		Window time.Duration

		// GraphDepth bounds the causality graph. Zero means 3.
		GraphDepth int

		// MinConfidence is the flag floor for weak causes. Zero means 0.3.
		MinConfidence float64

		// Logger receives structured logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Analyzer builds ranked root-cause analyses from the metadata store and
	// the lineage graph. The per-record-type window fetches run in parallel.
	Analyzer struct {
		metadata      *metadata.Store
		lineage       *lineage.Graph
		window        time.Duration
		depth         int
		minConfidence float64
		logger        *slog.Logger
	}

	// GroupItem pairs a descriptor with its classification for cross-issue
	// analysis.
	GroupItem struct {
		Descriptor     *issues.IssueDescriptor
		Classification *issues.IssueClassification
	}
)

// NewAnalyzer creates an analyzer. The lineage graph may be nil; upstream
// evidence is then skipped.
func NewAnalyzer(metadataStore *metadata.Store, lineageGraph *lineage.Graph, config AnalyzerConfig) *Analyzer {
	window := config.Window
	if window <= 0 {
		window = DefaultWindow
	}

	depth := config.GraphDepth
	if depth <= 0 {
		depth = DefaultGraphDepth
	}

	minConfidence := config.MinConfidence
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		metadata:      metadataStore,
		lineage:       lineageGraph,
		window:        window,
		depth:         depth,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Analyze explains one classified issue. Evidence is fetched within ±window
// of the issue, edges are added by the correlation rules, and each evidence
// node becomes a candidate cause scored by the combined strength of its
// edges into the issue.
func (a *Analyzer) Analyze(
	ctx context.Context,
	descriptor *issues.IssueDescriptor,
	classification *issues.IssueClassification,
) (*Analysis, error) {
	occurred := descriptor.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	evidence, related, err := a.collectEvidence(ctx, descriptor, occurred)
	if err != nil {
		return nil, fmt.Errorf("failed to collect evidence: %w", err)
	}

	graph := a.buildGraph(classification, descriptor, occurred, evidence)
	causes := a.scoreCauses(graph, evidence)

	analysis := &Analysis{
		AnalysisID:     uuid.NewString(),
		IssueID:        classification.IssueID,
		RootCauses:     causes,
		CausalityGraph: graph,
		Context: map[string]any{
			"window_start":        occurred.Add(-a.window),
			"window_end":          occurred.Add(a.window),
			"evidence_count":      len(evidence),
			"related_after_issue": len(related),
			"issue_category":      string(classification.Category),
		},
		AnalyzedAt: time.Now().UTC(),
	}

	a.logger.Info("root-cause analysis completed",
		slog.String("analysis_id", analysis.AnalysisID),
		slog.String("issue_id", classification.IssueID),
		slog.Int("evidence", len(evidence)),
		slog.Int("causes", len(causes)),
	)

	return analysis, nil
}

// AnalyzeGroup analyzes a set of related issues and promotes the causes
// common to all of them into one shared analysis. Cause identity across
// issues is the cause type.
func (a *Analyzer) AnalyzeGroup(ctx context.Context, items []GroupItem) (*Analysis, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no issues to analyze")
	}

	analyses := make([]*Analysis, len(items))
	issueIDs := make([]string, len(items))

	for i, item := range items {
		analysis, err := a.Analyze(ctx, item.Descriptor, item.Classification)
		if err != nil {
			return nil, err
		}

		analyses[i] = analysis
		issueIDs[i] = item.Classification.IssueID
	}

	shared := &Analysis{
		AnalysisID: uuid.NewString(),
		RootCauses: intersectCauses(analyses),
		Context: map[string]any{
			"issue_ids":   issueIDs,
			"issue_count": len(items),
		},
		AnalyzedAt: time.Now().UTC(),
	}

	for i := range shared.RootCauses {
		shared.RootCauses[i].BelowThreshold = shared.RootCauses[i].Confidence < a.minConfidence
	}

	a.logger.Info("cross-issue analysis completed",
		slog.String("analysis_id", shared.AnalysisID),
		slog.Int("issues", len(items)),
		slog.Int("shared_causes", len(shared.RootCauses)),
	)

	return shared, nil
}

// collectEvidence fetches the window records in parallel and converts them
// to evidence. The second return holds events inside the window but after
// the issue, which cannot be causes.
func (a *Analyzer) collectEvidence(
	ctx context.Context, descriptor *issues.IssueDescriptor, occurred time.Time,
) ([]Evidence, []Evidence, error) {
	from, to := occurred.Add(-a.window), occurred.Add(a.window)

	var (
		tasks      []metadata.Record
		executions []metadata.Record
		quality    []metadata.Record
		healings   []metadata.Record
		schemas    []metadata.Record
		upstream   *lineage.DatasetLineage
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() (err error) {
		tasks, err = a.metadata.SearchMetadata(groupCtx,
			windowCriteria("start_time", from, to), metadata.RecordTaskExecution, fetchLimit)
		return err
	})

	group.Go(func() (err error) {
		executions, err = a.metadata.SearchMetadata(groupCtx,
			windowCriteria("start_time", from, to), metadata.RecordPipelineExecution, fetchLimit)
		return err
	})

	group.Go(func() (err error) {
		quality, err = a.metadata.SearchMetadata(groupCtx,
			windowCriteria("created_at", from, to), metadata.RecordDataQuality, fetchLimit)
		return err
	})

	group.Go(func() (err error) {
		healings, err = a.metadata.SearchMetadata(groupCtx,
			windowCriteria("created_at", from, to), metadata.RecordSelfHealing, fetchLimit)
		return err
	})

	group.Go(func() (err error) {
		schemas, err = a.metadata.SearchMetadata(groupCtx,
			windowCriteria("created_at", from, to), metadata.RecordSchema, fetchLimit)
		return err
	})

	if a.lineage != nil && descriptor.Dataset != "" && descriptor.Table != "" {
		group.Go(func() (err error) {
			depth := a.depth
			upstream, err = a.lineage.GetDatasetLineage(groupCtx, descriptor.Dataset, descriptor.Table,
				lineage.LineageQuery{Upstream: true, Depth: &depth})
			return err
		})
	}

	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	var all []Evidence

	all = append(all, taskEvidence(tasks, descriptor)...)
	all = append(all, executionEvidence(executions, descriptor)...)
	all = append(all, qualityEvidence(quality)...)
	all = append(all, healingEvidence(healings)...)
	all = append(all, schemaEvidence(schemas)...)
	all = append(all, upstreamEvidence(upstream, occurred)...)

	var causal, related []Evidence

	for _, item := range all {
		if item.Occurred.After(occurred) {
			related = append(related, item)

			continue
		}

		causal = append(causal, item)
	}

	return causal, related, nil
}

// buildGraph assembles the depth-bounded causality graph: the issue as root,
// one node per evidence item, and correlation-rule edges into the issue plus
// same-component chains among evidence.
func (a *Analyzer) buildGraph(
	classification *issues.IssueClassification,
	descriptor *issues.IssueDescriptor,
	occurred time.Time,
	evidence []Evidence,
) CausalGraph {
	root := "issue:" + classification.IssueID

	graph := CausalGraph{
		Root:  root,
		Depth: a.depth,
		Nodes: []CausalNode{{
			ID:       root,
			Kind:     "issue",
			Label:    classification.IssueType,
			Occurred: occurred,
		}},
	}

	for _, item := range evidence {
		nodeID := item.Kind + ":" + item.RecordID

		graph.Nodes = append(graph.Nodes, CausalNode{
			ID:       nodeID,
			Kind:     item.Kind,
			Label:    item.Summary,
			Occurred: item.Occurred,
		})

		graph.Edges = append(graph.Edges, CausalEdge{
			From:     nodeID,
			To:       root,
			Relation: temporalRelation(item.Kind),
			Strength: a.temporalStrength(occurred, item.Occurred),
		})

		if item.Component != "" && item.Component == descriptor.Component {
			graph.Edges = append(graph.Edges, CausalEdge{
				From:     nodeID,
				To:       root,
				Relation: RelationComponent,
				Strength: strengthComponent,
			})
		}

		if strength := precedenceStrength[item.Kind][classification.Category]; strength > 0 {
			graph.Edges = append(graph.Edges, CausalEdge{
				From:     nodeID,
				To:       root,
				Relation: RelationPrecedence,
				Strength: strength,
			})
		}
	}

	// Same-component chains among evidence, earlier pointing at later.
	for i := range evidence {
		for j := range evidence {
			if i == j || evidence[i].Component == "" {
				continue
			}

			if evidence[i].Component == evidence[j].Component && evidence[i].Occurred.Before(evidence[j].Occurred) {
				graph.Edges = append(graph.Edges, CausalEdge{
					From:     evidence[i].Kind + ":" + evidence[i].RecordID,
					To:       evidence[j].Kind + ":" + evidence[j].RecordID,
					Relation: RelationComponent,
					Strength: strengthChain,
				})
			}
		}
	}

	return pruneToDepth(graph, a.depth)
}

// scoreCauses turns evidence nodes into ranked causes. Edge strengths into
// the issue combine as independent signals, so corroborated causes outrank
// single-signal ones without any weight tuning.
func (a *Analyzer) scoreCauses(graph CausalGraph, evidence []Evidence) []RootCause {
	root := graph.Root
	byNode := make(map[string]Evidence, len(evidence))

	for _, item := range evidence {
		byNode[item.Kind+":"+item.RecordID] = item
	}

	inbound := make(map[string][]CausalEdge)
	for _, edge := range graph.Edges {
		if edge.To == root {
			inbound[edge.From] = append(inbound[edge.From], edge)
		}
	}

	causes := make([]RootCause, 0, len(inbound))

	for nodeID, edges := range inbound {
		item, ok := byNode[nodeID]
		if !ok {
			continue
		}

		miss := 1.0
		for _, edge := range edges {
			miss *= 1 - edge.Strength*0.8
		}

		confidence := 1 - miss
		if confidence > confidenceCeiling {
			confidence = confidenceCeiling
		}

		profile := causeProfiles[item.Kind]

		causes = append(causes, RootCause{
			CauseID:           uuid.NewString(),
			Category:          profile.category,
			Type:              profile.causeType,
			Description:       item.Summary,
			Confidence:        confidence,
			Evidence:          []Evidence{item},
			RecommendedAction: profile.action,
			BelowThreshold:    confidence < a.minConfidence,
		})
	}

	sort.Slice(causes, func(i, j int) bool {
		if causes[i].Confidence != causes[j].Confidence {
			return causes[i].Confidence > causes[j].Confidence
		}

		return causes[i].CauseID < causes[j].CauseID
	})

	linkRelatedCauses(causes)

	return causes
}

// temporalStrength decays linearly from 1 at the issue instant to 0.1 at
// the window edge.
func (a *Analyzer) temporalStrength(occurred, evidenceTime time.Time) float64 {
	distance := occurred.Sub(evidenceTime)
	if distance < 0 {
		distance = -distance
	}

	strength := 1 - float64(distance)/float64(a.window)
	if strength < 0.1 {
		strength = 0.1
	}

	return strength
}

// temporalRelation maps upstream lineage evidence to its own relation so
// graph consumers can tell ancestry from plain time proximity.
func temporalRelation(kind string) Relation {
	if kind == EvidenceUpstream {
		return RelationUpstream
	}

	return RelationTemporal
}

// pruneToDepth keeps only nodes reachable from the root within depth hops
// walking edges backwards (effect to cause).
func pruneToDepth(graph CausalGraph, depth int) CausalGraph {
	keep := map[string]int{graph.Root: 0}
	frontier := []string{graph.Root}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string

		for _, nodeID := range frontier {
			for _, edge := range graph.Edges {
				if edge.To != nodeID {
					continue
				}

				if _, seen := keep[edge.From]; !seen {
					keep[edge.From] = level
					next = append(next, edge.From)
				}
			}
		}

		frontier = next
	}

	pruned := CausalGraph{Root: graph.Root, Depth: depth}

	for _, node := range graph.Nodes {
		if _, ok := keep[node.ID]; ok {
			pruned.Nodes = append(pruned.Nodes, node)
		}
	}

	for _, edge := range graph.Edges {
		_, fromKept := keep[edge.From]
		_, toKept := keep[edge.To]

		if fromKept && toKept {
			pruned.Edges = append(pruned.Edges, edge)
		}
	}

	return pruned
}

// linkRelatedCauses cross-references causes that share a type or a
// component.
func linkRelatedCauses(causes []RootCause) {
	for i := range causes {
		for j := range causes {
			if i == j {
				continue
			}

			sameType := causes[i].Type == causes[j].Type
			sameComponent := len(causes[i].Evidence) > 0 && len(causes[j].Evidence) > 0 &&
				causes[i].Evidence[0].Component != "" &&
				causes[i].Evidence[0].Component == causes[j].Evidence[0].Component

			if sameType || sameComponent {
				causes[i].RelatedCauses = append(causes[i].RelatedCauses, causes[j].CauseID)
			}
		}
	}
}

// intersectCauses keeps the cause types present in every analysis, merging
// evidence and averaging confidence.
func intersectCauses(analyses []*Analysis) []RootCause {
	counts := make(map[string]int)
	merged := make(map[string]*RootCause)

	for _, analysis := range analyses {
		seen := make(map[string]bool)

		for _, cause := range analysis.RootCauses {
			if seen[cause.Type] {
				continue
			}

			seen[cause.Type] = true
			counts[cause.Type]++

			if existing, ok := merged[cause.Type]; ok {
				existing.Confidence += cause.Confidence
				existing.Evidence = append(existing.Evidence, cause.Evidence...)
			} else {
				copied := cause
				copied.CauseID = uuid.NewString()
				copied.RelatedCauses = nil
				merged[cause.Type] = &copied
			}
		}
	}

	var shared []RootCause

	for causeType, cause := range merged {
		if counts[causeType] != len(analyses) {
			continue
		}

		cause.Confidence /= float64(len(analyses))
		shared = append(shared, *cause)
	}

	sort.Slice(shared, func(i, j int) bool {
		return shared[i].Confidence > shared[j].Confidence
	})

	return shared
}

// windowCriteria builds a time-range filter on one field.
func windowCriteria(field string, from, to time.Time) storage.Criteria {
	return storage.Criteria{
		field: map[string]any{
			storage.OpGTE: from.UTC().Format(time.RFC3339Nano),
			storage.OpLTE: to.UTC().Format(time.RFC3339Nano),
		},
	}
}

// taskEvidence keeps failed tasks, excluding the failing task itself when
// the descriptor names it.
func taskEvidence(records []metadata.Record, descriptor *issues.IssueDescriptor) []Evidence {
	var evidence []Evidence

	for _, record := range records {
		var task metadata.TaskExecutionRecord
		if err := json.Unmarshal(record.Raw, &task); err != nil {
			continue
		}

		if task.Status != metadata.StatusFailed {
			continue
		}

		if task.ExecutionID == descriptor.ExecutionID && task.TaskID == descriptor.TaskID {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:      EvidenceTask,
			RecordID:  task.ExecutionID + "/" + task.TaskID,
			Summary:   fmt.Sprintf("task %s failed in execution %s", task.TaskID, task.ExecutionID),
			Component: task.TaskID,
			Occurred:  task.StartTime,
			Details:   task.ErrorDetails,
		})
	}

	return evidence
}

// executionEvidence keeps failed executions of other pipelines or runs.
func executionEvidence(records []metadata.Record, descriptor *issues.IssueDescriptor) []Evidence {
	var evidence []Evidence

	for _, record := range records {
		var execution metadata.PipelineExecutionRecord
		if err := json.Unmarshal(record.Raw, &execution); err != nil {
			continue
		}

		if execution.Status != metadata.StatusFailed || execution.ExecutionID == descriptor.ExecutionID {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:      EvidenceExecution,
			RecordID:  execution.ExecutionID,
			Summary:   fmt.Sprintf("pipeline %s execution %s failed", execution.PipelineID, execution.ExecutionID),
			Component: execution.PipelineID,
			Occurred:  execution.StartTime,
			Details:   execution.ErrorDetails,
		})
	}

	return evidence
}

// qualityEvidence keeps failed validations.
func qualityEvidence(records []metadata.Record) []Evidence {
	var evidence []Evidence

	for _, record := range records {
		var validation metadata.DataQualityRecord
		if err := json.Unmarshal(record.Raw, &validation); err != nil {
			continue
		}

		if validation.Passed {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:      EvidenceQuality,
			RecordID:  validation.ValidationID,
			Summary:   fmt.Sprintf("validation failed on %s.%s (score %.2f)", validation.Dataset, validation.Table, validation.QualityScore),
			Component: validation.Dataset + "." + validation.Table,
			Occurred:  validation.CreatedAt,
			Details:   validation.Details,
		})
	}

	return evidence
}

// healingEvidence keeps failed healing attempts.
func healingEvidence(records []metadata.Record) []Evidence {
	var evidence []Evidence

	for _, record := range records {
		var healing metadata.SelfHealingRecord
		if err := json.Unmarshal(record.Raw, &healing); err != nil {
			continue
		}

		if healing.Status != "FAILED" {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:     EvidenceHealing,
			RecordID: healing.HealingID,
			Summary:  fmt.Sprintf("healing %s failed for execution %s", healing.HealingID, healing.ExecutionID),
			Occurred: healing.CreatedAt,
			Details:  healing.Details,
		})
	}

	return evidence
}

// schemaEvidence keeps every schema registration in the window; a schema
// change shortly before a failure is a prime suspect.
func schemaEvidence(records []metadata.Record) []Evidence {
	var evidence []Evidence

	for _, record := range records {
		var schema metadata.SchemaMetadataRecord
		if err := json.Unmarshal(record.Raw, &schema); err != nil {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:      EvidenceSchema,
			RecordID:  schema.SchemaID,
			Summary:   fmt.Sprintf("schema %s changed to version %s", schema.SchemaName, schema.Version),
			Component: schema.SchemaName,
			Occurred:  schema.CreatedAt,
			Details:   schema.Details,
		})
	}

	return evidence
}

// upstreamEvidence converts upstream lineage nodes to evidence. Distance is
// recorded for the graph consumer; the evidence timestamp is the issue time
// because lineage ancestry is not an event.
func upstreamEvidence(upstream *lineage.DatasetLineage, occurred time.Time) []Evidence {
	if upstream == nil {
		return nil
	}

	var evidence []Evidence

	for _, node := range upstream.Upstream {
		if !lineage.IsDatasetNode(node.ID) {
			continue
		}

		evidence = append(evidence, Evidence{
			Kind:     EvidenceUpstream,
			RecordID: node.ID,
			Summary:  fmt.Sprintf("upstream dataset %s at distance %d", node.ID, node.Distance),
			Occurred: occurred,
			Details:  map[string]any{"distance": node.Distance},
		})
	}

	return evidence
}
