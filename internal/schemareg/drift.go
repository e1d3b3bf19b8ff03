package schemareg

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DriftSeverity classifies how far live data has diverged from a registered
// schema.
type DriftSeverity string

const (
	DriftNone   DriftSeverity = "NONE"
	DriftLow    DriftSeverity = "LOW"
	DriftMedium DriftSeverity = "MEDIUM"
	DriftHigh   DriftSeverity = "HIGH"
)

// Drift severity thresholds on the drift score.
const (
	driftLowCeiling    = 0.2
	driftMediumCeiling = 0.5
)

// DriftReport is the outcome of comparing a data sample against a
// registered schema.
type DriftReport struct {
	SchemaName string        `json:"schema_name"`
	Version    string        `json:"version"`
	Score      float64       `json:"score"`
	Severity   DriftSeverity `json:"severity"`
	Observed   []FieldDef    `json:"observed"`
	Diff       *SchemaDiff   `json:"diff"`
}

// ExtractSchema infers a schema from sample rows. Types come from the first
// non-nil value per field; integral numbers infer INTEGER, RFC 3339 strings
// infer TIMESTAMP. A field missing from any row, or null in any row, is
// NULLABLE.
func ExtractSchema(rows []map[string]any) ([]FieldDef, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrInvalidSchema)
	}

	names := make(map[string]bool)

	for _, row := range rows {
		for name := range row {
			names[name] = true
		}
	}

	fields := make([]FieldDef, 0, len(names))

	for name := range names {
		field := FieldDef{Name: name, Type: TypeString, Mode: ModeRequired}
		typed := false

		for _, row := range rows {
			value, ok := row[name]
			if !ok || value == nil {
				field.Mode = ModeNullable

				continue
			}

			if !typed {
				field.Type = inferType(value)
				typed = true
			}

			if _, repeated := value.([]any); repeated {
				field.Mode = ModeRepeated
			}
		}

		if !typed {
			// All-null columns carry no type evidence; STRING is the
			// least constraining guess.
			field.Mode = ModeNullable
		}

		field.Nullable = field.Mode == ModeNullable
		fields = append(fields, field)
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return fields, nil
}

// DetectDrift extracts a schema from the sample, diffs it against the
// registered schema, and scores the divergence as
// (added + removed + modified) / registered field count.
func DetectDrift(registered *SchemaRecord, rows []map[string]any) (*DriftReport, error) {
	if registered == nil || len(registered.Fields) == 0 {
		return nil, fmt.Errorf("%w: registered schema has no fields", ErrInvalidSchema)
	}

	observed, err := ExtractSchema(rows)
	if err != nil {
		return nil, err
	}

	diff, err := CompareSchemas(registered.Fields, observed)
	if err != nil {
		return nil, err
	}

	changes := len(diff.Added) + len(diff.Removed) + len(diff.Modified)
	score := float64(changes) / float64(len(registered.Fields))

	return &DriftReport{
		SchemaName: registered.SchemaName,
		Version:    registered.Version,
		Score:      score,
		Severity:   severityForScore(score),
		Observed:   observed,
		Diff:       diff,
	}, nil
}

func severityForScore(score float64) DriftSeverity {
	switch {
	case score == 0:
		return DriftNone
	case score < driftLowCeiling:
		return DriftLow
	case score < driftMediumCeiling:
		return DriftMedium
	default:
		return DriftHigh
	}
}

// inferType maps a sampled value to a schema field type.
func inferType(value any) FieldType {
	switch typed := value.(type) {
	case bool:
		return TypeBoolean
	case float64:
		if typed == math.Trunc(typed) {
			return TypeInteger
		}

		return TypeFloat
	case float32:
		return inferType(float64(typed))
	case int, int32, int64:
		return TypeInteger
	case string:
		if _, err := time.Parse(time.RFC3339, typed); err == nil {
			return TypeTimestamp
		}

		return TypeString
	case []byte:
		return TypeBytes
	case map[string]any:
		return TypeJSON
	case []any:
		if len(typed) > 0 {
			return inferType(typed[0])
		}

		return TypeJSON
	default:
		return TypeString
	}
}
