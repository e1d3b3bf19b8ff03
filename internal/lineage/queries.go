package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pipemend-io/pipemend/internal/storage"
)

type (
	// Node is one graph node returned by a lineage query, annotated with the
	// distance from the query root and the edge that reached it.
	Node struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Distance int    `json:"distance"`
		Via      *Edge  `json:"via,omitempty"`
	}

	// DatasetLineage is the neighbourhood of one dataset: the walked
	// upstream and downstream nodes, nearest first.
	DatasetLineage struct {
		Root       string `json:"root"`
		Upstream   []Node `json:"upstream,omitempty"`
		Downstream []Node `json:"downstream,omitempty"`
	}

	// LineageQuery selects the walk performed by GetDatasetLineage. A nil
	// Depth means unbounded; depth 0 returns the root node only.
	LineageQuery struct {
		Upstream   bool
		Downstream bool
		Depth      *int
	}

	// ImpactedDataset is one downstream dataset reachable from the analyzed
	// dataset, with its shortest-path distance in edges.
	ImpactedDataset struct {
		NodeID   string `json:"node_id"`
		Distance int    `json:"distance"`
	}

	// ExecutionLineage groups the lineage records of one pipeline execution
	// by stage.
	ExecutionLineage struct {
		ExecutionID     string   `json:"execution_id"`
		Extractions     []Record `json:"extractions,omitempty"`
		Transformations []Record `json:"transformations,omitempty"`
		Loads           []Record `json:"loads,omitempty"`
		Validations     []Record `json:"validations,omitempty"`
		Healings        []Record `json:"healings,omitempty"`
	}

	// TraceStep is one hop in a column-level trace.
	TraceStep struct {
		From      string         `json:"from"`
		To        string         `json:"to"`
		Operation string         `json:"operation"`
		Column    string         `json:"column"`
		Details   map[string]any `json:"details,omitempty"`
	}
)

// GetDatasetLineage walks the graph around one dataset. Upstream follows
// edges backwards to the data's origins; downstream follows them forward to
// everything derived from it. The walk is breadth-first, so results are
// ordered nearest first.
func (g *Graph) GetDatasetLineage(
	ctx context.Context, dataset, table string, query LineageQuery,
) (*DatasetLineage, error) {
	if dataset == "" || table == "" {
		return nil, fmt.Errorf("%w: dataset and table", ErrMissingNodeKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	root := DatasetNode(dataset, table)
	result := &DatasetLineage{Root: root}

	if query.Upstream {
		result.Upstream = g.walkLocked(root, query.Depth, false)
	}

	if query.Downstream {
		result.Downstream = g.walkLocked(root, query.Depth, true)
	}

	return result, nil
}

// AnalyzeImpact returns every dataset reachable downstream of the given
// dataset with its shortest-path distance, nearest first. Healed copies
// count as datasets in their own right.
func (g *Graph) AnalyzeImpact(ctx context.Context, dataset, table string) ([]ImpactedDataset, error) {
	if dataset == "" || table == "" {
		return nil, fmt.Errorf("%w: dataset and table", ErrMissingNodeKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	root := DatasetNode(dataset, table)
	impacted := make([]ImpactedDataset, 0)

	for _, node := range g.walkLocked(root, nil, true) {
		if IsDatasetNode(node.ID) {
			impacted = append(impacted, ImpactedDataset{NodeID: node.ID, Distance: node.Distance})
		}
	}

	return impacted, nil
}

// GetExecutionLineage returns all lineage records tied to one pipeline
// execution, grouped by stage and ordered by timestamp within each group.
func (g *Graph) GetExecutionLineage(ctx context.Context, executionID string) (*ExecutionLineage, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution_id", ErrMissingNodeKey)
	}

	raws, err := g.docs.Query(ctx, CollectionLineage, storage.Criteria{"execution_id": executionID}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution lineage: %w", err)
	}

	records := make([]Record, 0, len(raws))

	for _, raw := range raws {
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("failed to decode lineage record: %w", err)
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	result := &ExecutionLineage{ExecutionID: executionID}

	for _, record := range records {
		switch record.Kind {
		case KindExtraction:
			result.Extractions = append(result.Extractions, record)
		case KindTransformation:
			result.Transformations = append(result.Transformations, record)
		case KindLoad:
			result.Loads = append(result.Loads, record)
		case KindValidation:
			result.Validations = append(result.Validations, record)
		case KindHealing:
			result.Healings = append(result.Healings, record)
		}
	}

	return result, nil
}

// FindCommonAncestor returns the closest shared upstream node of two
// datasets: the member of both upstream sets whose adjacent lineage activity
// is most recent. Returns "" when the datasets share no ancestry.
func (g *Graph) FindCommonAncestor(ctx context.Context, ds1, tbl1, ds2, tbl2 string) (string, error) {
	if ds1 == "" || tbl1 == "" || ds2 == "" || tbl2 == "" {
		return "", fmt.Errorf("%w: both dataset/table pairs", ErrMissingNodeKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return "", err
	}

	first := g.walkLocked(DatasetNode(ds1, tbl1), nil, false)
	second := g.walkLocked(DatasetNode(ds2, tbl2), nil, false)

	inFirst := make(map[string]bool, len(first))
	for _, node := range first {
		inFirst[node.ID] = true
	}

	var (
		ancestor string
		found    bool
	)

	for _, node := range second {
		if !inFirst[node.ID] {
			continue
		}

		if !found || g.moreRecentLocked(node.ID, ancestor) {
			ancestor = node.ID
			found = true
		}
	}

	return ancestor, nil
}

// TraceDataElement follows one column's journey through the graph by
// scanning transformation and load edge details around the dataset. The
// trace is best effort: only edges whose details name the column appear.
func (g *Graph) TraceDataElement(
	ctx context.Context, dataset, table, column string,
) ([]TraceStep, error) {
	if dataset == "" || table == "" || column == "" {
		return nil, fmt.Errorf("%w: dataset, table, and column", ErrMissingNodeKey)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	root := DatasetNode(dataset, table)

	// The trace covers the dataset's full neighbourhood in both directions.
	reachable := map[string]bool{root: true}
	for _, node := range g.walkLocked(root, nil, false) {
		reachable[node.ID] = true
	}

	for _, node := range g.walkLocked(root, nil, true) {
		reachable[node.ID] = true
	}

	steps := make([]TraceStep, 0)
	seen := make(map[string]bool)

	for from := range reachable {
		for _, edge := range g.out[from] {
			if !reachable[edge.To] || !edgeMentionsColumn(edge, column) {
				continue
			}

			key := edge.From + "->" + edge.To + "@" + edge.Timestamp.String()
			if seen[key] {
				continue
			}

			seen[key] = true

			steps = append(steps, TraceStep{
				From:      edge.From,
				To:        edge.To,
				Operation: edge.Operation,
				Column:    column,
				Details:   edge.Details,
			})
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].From != steps[j].From {
			return steps[i].From < steps[j].From
		}

		return steps[i].To < steps[j].To
	})

	return steps, nil
}

// walkLocked runs a breadth-first walk from root. downstream selects edge
// direction; depth bounds the walk (nil = unbounded, 0 = root only). The
// root itself is not part of the result. Callers hold g.mu.
func (g *Graph) walkLocked(root string, depth *int, downstream bool) []Node {
	type frontier struct {
		id       string
		distance int
		via      *Edge
	}

	visited := map[string]bool{root: true}
	queue := []frontier{{id: root}}
	nodes := make([]Node, 0)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.id != root {
			nodes = append(nodes, Node{
				ID:       current.id,
				Type:     NodeType(current.id),
				Distance: current.distance,
				Via:      current.via,
			})
		}

		if depth != nil && current.distance >= *depth {
			continue
		}

		for _, edge := range g.edgesFromLocked(current.id, downstream) {
			next := edge.To
			if !downstream {
				next = edge.From
			}

			if visited[next] {
				continue
			}

			visited[next] = true

			via := edge
			queue = append(queue, frontier{id: next, distance: current.distance + 1, via: &via})
		}
	}

	return nodes
}

// edgesFromLocked returns the edges leaving a node in the walk direction,
// ordered deterministically. Callers hold g.mu.
func (g *Graph) edgesFromLocked(id string, downstream bool) []Edge {
	var edges []Edge
	if downstream {
		edges = g.out[id]
	} else {
		edges = g.in[id]
	}

	sorted := make([]Edge, len(edges))
	copy(sorted, edges)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].From != sorted[j].From {
			return sorted[i].From < sorted[j].From
		}

		return sorted[i].To < sorted[j].To
	})

	return sorted
}

// moreRecentLocked reports whether node a saw lineage activity more recently
// than node b, comparing the latest timestamp across each node's adjacent
// edges. Ties break by node id for determinism. Callers hold g.mu.
func (g *Graph) moreRecentLocked(a, b string) bool {
	latestA, latestB := g.latestActivityLocked(a), g.latestActivityLocked(b)

	if latestA.Equal(latestB) {
		return a < b
	}

	return latestA.After(latestB)
}

func (g *Graph) latestActivityLocked(id string) (latest time.Time) {
	for _, edge := range g.out[id] {
		if edge.Timestamp.After(latest) {
			latest = edge.Timestamp
		}
	}

	for _, edge := range g.in[id] {
		if edge.Timestamp.After(latest) {
			latest = edge.Timestamp
		}
	}

	return latest
}

// edgeMentionsColumn reports whether an edge's details reference a column,
// either in a "columns" list or as a key or value of a "column_mapping".
func edgeMentionsColumn(edge Edge, column string) bool {
	if edge.Details == nil {
		return false
	}

	if columns, ok := edge.Details["columns"].([]any); ok {
		for _, entry := range columns {
			if name, ok := entry.(string); ok && name == column {
				return true
			}
		}
	}

	if mapping, ok := edge.Details["column_mapping"].(map[string]any); ok {
		if _, ok := mapping[column]; ok {
			return true
		}

		for _, target := range mapping {
			if name, ok := target.(string); ok && name == column {
				return true
			}
		}
	}

	return false
}
