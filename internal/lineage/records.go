package lineage

import (
	"time"
)

// RecordKind names the five lineage event families.
type RecordKind string

const (
	KindExtraction     RecordKind = "extraction"
	KindTransformation RecordKind = "transformation"
	KindLoad           RecordKind = "load"
	KindValidation     RecordKind = "validation"
	KindHealing        RecordKind = "healing"
)

// IsValid returns true for recognized record kinds.
func (k RecordKind) IsValid() bool {
	switch k {
	case KindExtraction, KindTransformation, KindLoad, KindValidation, KindHealing:
		return true
	default:
		return false
	}
}

type (
	// Edge is one directed connection in the lineage graph. Edges are
	// immutable once recorded.
	Edge struct {
		From      string         `json:"from"`
		To        string         `json:"to"`
		Operation string         `json:"operation"`
		Timestamp time.Time      `json:"timestamp"`
		Details   map[string]any `json:"details,omitempty"`
	}

	// Record is the persisted form of one lineage event. A record and its
	// edges are written as a single document, so they are atomic by
	// construction.
	Record struct {
		LineageID   string         `json:"lineage_id"`
		Kind        RecordKind     `json:"kind"`
		ExecutionID string         `json:"execution_id,omitempty"`
		Timestamp   time.Time      `json:"timestamp"`
		Edges       []Edge         `json:"edges"`
		Details     map[string]any `json:"details,omitempty"`
	}

	// DatasetRef names one dataset table.
	DatasetRef struct {
		Dataset string `json:"dataset"`
		Table   string `json:"table"`
	}

	// ExtractionEvent records data pulled from a source into a dataset.
	ExtractionEvent struct {
		SourceID    string
		Target      DatasetRef
		ExecutionID string
		Operation   string
		Details     map[string]any
	}

	// TransformationEvent records datasets derived from other datasets.
	// Every input is connected to every output.
	TransformationEvent struct {
		Inputs      []DatasetRef
		Outputs     []DatasetRef
		ExecutionID string
		Operation   string
		Details     map[string]any
	}

	// LoadEvent records data moved from one dataset into another.
	LoadEvent struct {
		Source      DatasetRef
		Target      DatasetRef
		ExecutionID string
		Operation   string
		Details     map[string]any
	}

	// ValidationEvent attaches a validation run to the dataset it checked.
	ValidationEvent struct {
		Dataset      DatasetRef
		ValidationID string
		ExecutionID  string
		Passed       bool
		Details      map[string]any
	}

	// HealingEvent records a correction applied to a dataset. The healed
	// output is a distinct node so the dataset subgraph stays acyclic.
	HealingEvent struct {
		Dataset     DatasetRef
		HealingID   string
		ExecutionID string
		Operation   string
		Details     map[string]any
	}
)
