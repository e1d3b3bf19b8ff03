// Package lineage maintains the append-only directed graph of data flow:
// which sources feed which datasets, which transformations and loads moved
// data between them, and where validations and healings attached. Node
// identifiers carry a type prefix; edges carry operation metadata and are
// immutable once recorded.
package lineage

import (
	"fmt"
	"strings"
)

// Node type prefixes. Every node identifier is "<type>:<key>".
const (
	NodeTypeSource     = "source"
	NodeTypeDataset    = "dataset"
	NodeTypeValidation = "validation"
	NodeTypeHealing    = "healing"
)

// healedSuffix distinguishes the output of a healing from the dataset it
// healed, keeping the dataset subgraph acyclic.
const healedSuffix = ":healed"

// SourceNode returns the node id for a registered source.
func SourceNode(sourceID string) string {
	return NodeTypeSource + ":" + sourceID
}

// DatasetNode returns the node id for a dataset table.
func DatasetNode(dataset, table string) string {
	return fmt.Sprintf("%s:%s.%s", NodeTypeDataset, dataset, table)
}

// ValidationNode returns the node id for a validation run.
func ValidationNode(validationID string) string {
	return NodeTypeValidation + ":" + validationID
}

// HealingNode returns the node id for a healing execution.
func HealingNode(healingID string) string {
	return NodeTypeHealing + ":" + healingID
}

// HealedDatasetNode returns the node id for the corrected copy of a dataset
// produced by self-healing.
func HealedDatasetNode(dataset, table string) string {
	return DatasetNode(dataset, table) + healedSuffix
}

// NodeType extracts the type prefix of a node id; unknown shapes return "".
func NodeType(id string) string {
	prefix, _, found := strings.Cut(id, ":")
	if !found {
		return ""
	}

	switch prefix {
	case NodeTypeSource, NodeTypeDataset, NodeTypeValidation, NodeTypeHealing:
		return prefix
	default:
		return ""
	}
}

// IsDatasetNode reports whether a node id belongs to the dataset subgraph.
// Healed dataset nodes count: they are datasets in their own right.
func IsDatasetNode(id string) bool {
	return strings.HasPrefix(id, NodeTypeDataset+":")
}
