package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"strings"
)

// VisualizationFormat selects the output of VisualizeLineage.
type VisualizationFormat string

const (
	FormatDOT  VisualizationFormat = "dot"
	FormatJSON VisualizationFormat = "json"
	FormatHTML VisualizationFormat = "html"
)

// ErrUnknownFormat indicates a visualization format outside dot/json/html.
var ErrUnknownFormat = errors.New("unknown visualization format")

// nodeShapes styles graph nodes by type in DOT output.
var nodeShapes = map[string]string{
	NodeTypeSource:     "cylinder",
	NodeTypeDataset:    "box",
	NodeTypeValidation: "diamond",
	NodeTypeHealing:    "hexagon",
}

// htmlPage wraps the rendered graph data for browser viewing. The payload is
// injected as JSON so the page needs no server round trips.
var htmlPage = template.Must(template.New("lineage").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Lineage: {{.Root}}</title>
<style>
body { font-family: monospace; margin: 2em; }
h1 { font-size: 1.2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 4px 10px; text-align: left; }
th { background: #eee; }
</style>
</head>
<body>
<h1>Lineage for {{.Root}}</h1>
<table>
<tr><th>Direction</th><th>Node</th><th>Type</th><th>Distance</th><th>Operation</th></tr>
{{range .Rows}}<tr><td>{{.Direction}}</td><td>{{.ID}}</td><td>{{.Type}}</td><td>{{.Distance}}</td><td>{{.Operation}}</td></tr>
{{end}}</table>
<script type="application/json" id="lineage-data">{{.JSON}}</script>
</body>
</html>
`))

type htmlRow struct {
	Direction string
	ID        string
	Type      string
	Distance  int
	Operation string
}

// VisualizeLineage renders the neighbourhood of a dataset in the requested
// format. depth bounds the walk in both directions (nil = unbounded).
func (g *Graph) VisualizeLineage(
	ctx context.Context, dataset, table string, depth *int, format VisualizationFormat,
) (string, error) {
	lineage, err := g.GetDatasetLineage(ctx, dataset, table, LineageQuery{
		Upstream:   true,
		Downstream: true,
		Depth:      depth,
	})
	if err != nil {
		return "", err
	}

	switch format {
	case FormatDOT:
		return renderDOT(lineage), nil
	case FormatJSON:
		data, err := json.MarshalIndent(lineage, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode lineage: %w", err)
		}

		return string(data), nil
	case FormatHTML:
		return renderHTML(lineage)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// renderDOT emits a Graphviz digraph. Node declarations come before edges,
// both sorted, so the same lineage always renders to the same text.
func renderDOT(lineage *DatasetLineage) string {
	var b strings.Builder

	b.WriteString("digraph lineage {\n")
	b.WriteString("  rankdir=LR;\n")
	fmt.Fprintf(&b, "  %q [shape=%s, style=bold];\n", lineage.Root, shapeFor(lineage.Root))

	nodes := make([]Node, 0, len(lineage.Upstream)+len(lineage.Downstream))
	nodes = append(nodes, lineage.Upstream...)
	nodes = append(nodes, lineage.Downstream...)

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]string, 0, len(nodes))

	for _, node := range nodes {
		fmt.Fprintf(&b, "  %q [shape=%s];\n", node.ID, shapeFor(node.ID))

		if node.Via != nil {
			edges = append(edges, fmt.Sprintf("  %q -> %q [label=%q];\n",
				node.Via.From, node.Via.To, node.Via.Operation))
		}
	}

	sort.Strings(edges)

	for _, edge := range edges {
		b.WriteString(edge)
	}

	b.WriteString("}\n")

	return b.String()
}

func renderHTML(lineage *DatasetLineage) (string, error) {
	rows := make([]htmlRow, 0, len(lineage.Upstream)+len(lineage.Downstream))

	for _, node := range lineage.Upstream {
		rows = append(rows, htmlRow{
			Direction: "upstream",
			ID:        node.ID,
			Type:      node.Type,
			Distance:  node.Distance,
			Operation: operationOf(node),
		})
	}

	for _, node := range lineage.Downstream {
		rows = append(rows, htmlRow{
			Direction: "downstream",
			ID:        node.ID,
			Type:      node.Type,
			Distance:  node.Distance,
			Operation: operationOf(node),
		})
	}

	payload, err := json.Marshal(lineage)
	if err != nil {
		return "", fmt.Errorf("failed to encode lineage: %w", err)
	}

	var b strings.Builder

	err = htmlPage.Execute(&b, struct {
		Root string
		Rows []htmlRow
		JSON string
	}{
		Root: lineage.Root,
		Rows: rows,
		JSON: string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render lineage page: %w", err)
	}

	return b.String(), nil
}

func operationOf(node Node) string {
	if node.Via == nil {
		return ""
	}

	return node.Via.Operation
}

func shapeFor(id string) string {
	if shape, ok := nodeShapes[NodeType(id)]; ok {
		return shape
	}

	return "ellipse"
}
