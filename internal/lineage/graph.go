package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipemend-io/pipemend/internal/storage"
)

// CollectionLineage is the document store collection holding lineage records.
const CollectionLineage = "lineage_records"

// Sentinel errors for lineage operations.
var (
	// ErrLineageCycle indicates an edge that would close a cycle in the
	// dataset subgraph.
	ErrLineageCycle = errors.New("edge would create a cycle in the dataset subgraph")

	// ErrMissingNodeKey indicates an event with an empty identifier field.
	ErrMissingNodeKey = errors.New("lineage event key field is required")

	// ErrNoEdges indicates a transformation without inputs or outputs.
	ErrNoEdges = errors.New("lineage event produces no edges")
)

type (
	// GraphConfig tunes the lineage graph.
	GraphConfig struct {
		// Logger receives structured operation logs. Nil means
		// slog.Default().
		Logger *slog.Logger
	}

	// Graph is the lineage graph service. Records persist in the document
	// store; the adjacency index is rebuilt lazily from those records on
	// first use, and the rebuild is idempotent: the same record set always
	// produces the same graph.
	Graph struct {
		docs   storage.DocumentStore
		logger *slog.Logger

		mu     sync.RWMutex
		loaded bool
		out    map[string][]Edge
		in     map[string][]Edge
	}
)

// NewGraph creates a lineage graph over the given document store.
func NewGraph(docs storage.DocumentStore, config GraphConfig) *Graph {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Graph{
		docs:   docs,
		logger: logger,
		out:    make(map[string][]Edge),
		in:     make(map[string][]Edge),
	}
}

// RecordExtraction records data pulled from a source into a dataset.
func (g *Graph) RecordExtraction(ctx context.Context, event ExtractionEvent) (*Record, error) {
	if event.SourceID == "" || event.Target.Dataset == "" || event.Target.Table == "" {
		return nil, fmt.Errorf("%w: source_id and target dataset/table", ErrMissingNodeKey)
	}

	operation := event.Operation
	if operation == "" {
		operation = "extract"
	}

	now := time.Now().UTC()
	edge := Edge{
		From:      SourceNode(event.SourceID),
		To:        DatasetNode(event.Target.Dataset, event.Target.Table),
		Operation: operation,
		Timestamp: now,
		Details:   event.Details,
	}

	return g.append(ctx, Record{
		Kind:        KindExtraction,
		ExecutionID: event.ExecutionID,
		Timestamp:   now,
		Edges:       []Edge{edge},
		Details:     event.Details,
	})
}

// RecordTransformation records datasets derived from other datasets,
// connecting every input to every output. Edges that would close a cycle in
// the dataset subgraph are rejected before anything is persisted.
func (g *Graph) RecordTransformation(ctx context.Context, event TransformationEvent) (*Record, error) {
	if len(event.Inputs) == 0 || len(event.Outputs) == 0 {
		return nil, fmt.Errorf("%w: transformation needs inputs and outputs", ErrNoEdges)
	}

	operation := event.Operation
	if operation == "" {
		operation = "transform"
	}

	now := time.Now().UTC()
	edges := make([]Edge, 0, len(event.Inputs)*len(event.Outputs))

	for _, input := range event.Inputs {
		if input.Dataset == "" || input.Table == "" {
			return nil, fmt.Errorf("%w: input dataset/table", ErrMissingNodeKey)
		}

		for _, output := range event.Outputs {
			if output.Dataset == "" || output.Table == "" {
				return nil, fmt.Errorf("%w: output dataset/table", ErrMissingNodeKey)
			}

			edges = append(edges, Edge{
				From:      DatasetNode(input.Dataset, input.Table),
				To:        DatasetNode(output.Dataset, output.Table),
				Operation: operation,
				Timestamp: now,
				Details:   event.Details,
			})
		}
	}

	return g.append(ctx, Record{
		Kind:        KindTransformation,
		ExecutionID: event.ExecutionID,
		Timestamp:   now,
		Edges:       edges,
		Details:     event.Details,
	})
}

// RecordLoad records data moved from one dataset into another.
func (g *Graph) RecordLoad(ctx context.Context, event LoadEvent) (*Record, error) {
	if event.Source.Dataset == "" || event.Source.Table == "" ||
		event.Target.Dataset == "" || event.Target.Table == "" {
		return nil, fmt.Errorf("%w: source and target dataset/table", ErrMissingNodeKey)
	}

	operation := event.Operation
	if operation == "" {
		operation = "load"
	}

	now := time.Now().UTC()
	edge := Edge{
		From:      DatasetNode(event.Source.Dataset, event.Source.Table),
		To:        DatasetNode(event.Target.Dataset, event.Target.Table),
		Operation: operation,
		Timestamp: now,
		Details:   event.Details,
	}

	return g.append(ctx, Record{
		Kind:        KindLoad,
		ExecutionID: event.ExecutionID,
		Timestamp:   now,
		Edges:       []Edge{edge},
		Details:     event.Details,
	})
}

// RecordValidation attaches a validation run to the dataset it checked.
func (g *Graph) RecordValidation(ctx context.Context, event ValidationEvent) (*Record, error) {
	if event.ValidationID == "" || event.Dataset.Dataset == "" || event.Dataset.Table == "" {
		return nil, fmt.Errorf("%w: validation_id and dataset/table", ErrMissingNodeKey)
	}

	now := time.Now().UTC()

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}

	details["passed"] = event.Passed

	edge := Edge{
		From:      DatasetNode(event.Dataset.Dataset, event.Dataset.Table),
		To:        ValidationNode(event.ValidationID),
		Operation: "validate",
		Timestamp: now,
		Details:   details,
	}

	return g.append(ctx, Record{
		Kind:        KindValidation,
		ExecutionID: event.ExecutionID,
		Timestamp:   now,
		Edges:       []Edge{edge},
		Details:     details,
	})
}

// RecordHealing records a correction applied to a dataset. Two edges are
// written atomically: dataset → healing node → healed dataset.
func (g *Graph) RecordHealing(ctx context.Context, event HealingEvent) (*Record, error) {
	if event.HealingID == "" || event.Dataset.Dataset == "" || event.Dataset.Table == "" {
		return nil, fmt.Errorf("%w: healing_id and dataset/table", ErrMissingNodeKey)
	}

	operation := event.Operation
	if operation == "" {
		operation = "heal"
	}

	now := time.Now().UTC()
	datasetID := DatasetNode(event.Dataset.Dataset, event.Dataset.Table)
	healingID := HealingNode(event.HealingID)
	healedID := HealedDatasetNode(event.Dataset.Dataset, event.Dataset.Table)

	edges := []Edge{
		{From: datasetID, To: healingID, Operation: operation, Timestamp: now, Details: event.Details},
		{From: healingID, To: healedID, Operation: operation, Timestamp: now, Details: event.Details},
	}

	return g.append(ctx, Record{
		Kind:        KindHealing,
		ExecutionID: event.ExecutionID,
		Timestamp:   now,
		Edges:       edges,
		Details:     event.Details,
	})
}

// append validates, persists, and indexes one lineage record.
func (g *Graph) append(ctx context.Context, record Record) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	if err := g.checkAcyclicLocked(record.Edges); err != nil {
		return nil, err
	}

	record.LineageID = uuid.NewString()

	if err := g.docs.Set(ctx, CollectionLineage, record.LineageID, record); err != nil {
		return nil, fmt.Errorf("failed to persist lineage record: %w", err)
	}

	g.indexLocked(record)

	g.logger.Debug("lineage recorded",
		slog.String("lineage_id", record.LineageID),
		slog.String("kind", string(record.Kind)),
		slog.Int("edges", len(record.Edges)),
	)

	return &record, nil
}

// ensureLoadedLocked rebuilds the adjacency index from stored records on
// first use. Callers hold g.mu.
func (g *Graph) ensureLoadedLocked(ctx context.Context) error {
	if g.loaded {
		return nil
	}

	raws, err := g.docs.Query(ctx, CollectionLineage, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to load lineage records: %w", err)
	}

	g.out = make(map[string][]Edge)
	g.in = make(map[string][]Edge)

	for _, raw := range raws {
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("failed to decode lineage record: %w", err)
		}

		g.indexLocked(record)
	}

	g.loaded = true

	if len(raws) > 0 {
		g.logger.Info("lineage graph rebuilt", slog.Int("records", len(raws)))
	}

	return nil
}

// indexLocked adds a record's edges to the adjacency maps. Callers hold g.mu.
func (g *Graph) indexLocked(record Record) {
	for _, edge := range record.Edges {
		g.out[edge.From] = append(g.out[edge.From], edge)
		g.in[edge.To] = append(g.in[edge.To], edge)
	}
}

// checkAcyclicLocked rejects new edges that would close a cycle among
// dataset nodes. Only the dataset → dataset subgraph is checked; validation
// and healing nodes may close loops freely because healed outputs get their
// own node. Callers hold g.mu.
func (g *Graph) checkAcyclicLocked(edges []Edge) error {
	pending := make([]Edge, 0, len(edges))

	for _, edge := range edges {
		if !IsDatasetNode(edge.From) || !IsDatasetNode(edge.To) {
			continue
		}

		if edge.From == edge.To {
			return fmt.Errorf("%w: %s -> %s", ErrLineageCycle, edge.From, edge.To)
		}

		// A cycle exists iff the edge's origin is already reachable from
		// its target through dataset-only edges (current plus pending).
		if g.datasetReachableLocked(edge.To, edge.From, pending) {
			return fmt.Errorf("%w: %s -> %s", ErrLineageCycle, edge.From, edge.To)
		}

		pending = append(pending, edge)
	}

	return nil
}

// datasetReachableLocked walks dataset-only edges from start looking for
// goal. Callers hold g.mu.
func (g *Graph) datasetReachableLocked(start, goal string, pending []Edge) bool {
	visited := map[string]bool{start: true}
	queue := []string{start}

	neighbors := func(node string) []string {
		var next []string

		for _, edge := range g.out[node] {
			if IsDatasetNode(edge.From) && IsDatasetNode(edge.To) {
				next = append(next, edge.To)
			}
		}

		for _, edge := range pending {
			if edge.From == node {
				next = append(next, edge.To)
			}
		}

		return next
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		if node == goal {
			return true
		}

		for _, next := range neighbors(node) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	return false
}
