// Package rootcause explains classified issues. The analyzer assembles a
// bounded causality graph around the failure: related metadata records
// fetched in a time window, upstream lineage, and correlation-rule edges
// (temporal proximity, component adjacency, known precedence). Candidate
// causes are scored from the edges pointing at the issue and ranked; causes
// below the confidence floor are kept but flagged.
package rootcause

import (
	"time"

	"github.com/pipemend-io/pipemend/internal/issues"
)

// Relation names why an edge connects a candidate cause to the issue.
type Relation string

const (
	// RelationTemporal marks events that happened shortly before the issue.
	RelationTemporal Relation = "temporal_proximity"

	// RelationComponent marks events reported by the same component.
	RelationComponent Relation = "component_adjacency"

	// RelationPrecedence marks event kinds known to precede the issue's
	// category, schema changes before data-quality failures being the
	// canonical case.
	RelationPrecedence Relation = "known_precedence"

	// RelationUpstream marks lineage ancestry between datasets.
	RelationUpstream Relation = "upstream_lineage"
)

// Evidence kinds collected by the analyzer.
const (
	EvidenceTask      = "task_execution"
	EvidenceExecution = "pipeline_execution"
	EvidenceQuality   = "data_quality"
	EvidenceHealing   = "self_healing"
	EvidenceSchema    = "schema_change"
	EvidenceUpstream  = "upstream_dataset"
)

type (
	// Evidence is one observed record supporting a candidate cause.
	Evidence struct {
		Kind      string         `json:"kind"`
		RecordID  string         `json:"record_id"`
		Summary   string         `json:"summary"`
		Component string         `json:"component,omitempty"`
		Occurred  time.Time      `json:"occurred"`
		Details   map[string]any `json:"details,omitempty"`
	}

	// CausalNode is one vertex of the causality graph.
	CausalNode struct {
		ID       string    `json:"id"`
		Kind     string    `json:"kind"`
		Label    string    `json:"label"`
		Occurred time.Time `json:"occurred"`
	}

	// CausalEdge is a directed cause → effect connection.
	CausalEdge struct {
		From     string   `json:"from"`
		To       string   `json:"to"`
		Relation Relation `json:"relation"`
		Strength float64  `json:"strength"`
	}

	// CausalGraph is the depth-bounded graph rooted at the issue node.
	CausalGraph struct {
		Root  string       `json:"root"`
		Nodes []CausalNode `json:"nodes"`
		Edges []CausalEdge `json:"edges"`
		Depth int          `json:"depth"`
	}

	// RootCause is one ranked candidate explanation.
	RootCause struct {
		CauseID           string          `json:"cause_id"`
		Category          issues.Category `json:"category"`
		Type              string          `json:"type"`
		Description       string          `json:"description"`
		Confidence        float64         `json:"confidence"`
		Evidence          []Evidence      `json:"evidence,omitempty"`
		RecommendedAction string          `json:"recommended_action,omitempty"`
		RelatedCauses     []string        `json:"related_causes,omitempty"`
		BelowThreshold    bool            `json:"below_threshold,omitempty"`
	}

	// Analysis is the analyzer verdict for one issue: causes strongest
	// first, the graph they were scored on, and fetch context.
	Analysis struct {
		AnalysisID     string         `json:"analysis_id"`
		IssueID        string         `json:"issue_id"`
		RootCauses     []RootCause    `json:"root_causes"`
		CausalityGraph CausalGraph    `json:"causality_graph"`
		Context        map[string]any `json:"context,omitempty"`
		AnalyzedAt     time.Time      `json:"analyzed_at"`
	}
)

// PrimaryCause returns the strongest cause above the confidence floor, or
// nil when every candidate is flagged or none exist.
func (a *Analysis) PrimaryCause() *RootCause {
	for i := range a.RootCauses {
		if !a.RootCauses[i].BelowThreshold {
			return &a.RootCauses[i]
		}
	}

	return nil
}

// BestRecommendation returns the highest-confidence recommended action, even
// from a flagged cause. Empty when the analysis produced nothing actionable.
func (a *Analysis) BestRecommendation() string {
	for _, cause := range a.RootCauses {
		if cause.RecommendedAction != "" {
			return cause.RecommendedAction
		}
	}

	return ""
}
