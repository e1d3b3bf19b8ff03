package schemareg

import (
	"errors"
	"fmt"
	"strings"
)

// CompatibilityMode selects which read direction a schema change must keep
// working.
type CompatibilityMode string

const (
	// CompatBackward requires the new schema to read data written under the
	// old schema.
	CompatBackward CompatibilityMode = "BACKWARD"

	// CompatForward requires the old schema to read data written under the
	// new schema.
	CompatForward CompatibilityMode = "FORWARD"

	// CompatFull requires both directions.
	CompatFull CompatibilityMode = "FULL"
)

// IsValid returns true for recognized compatibility modes.
func (m CompatibilityMode) IsValid() bool {
	switch m {
	case CompatBackward, CompatForward, CompatFull:
		return true
	default:
		return false
	}
}

// ErrUnknownCompatibilityMode indicates a mode outside BACKWARD/FORWARD/FULL.
var ErrUnknownCompatibilityMode = errors.New("unknown compatibility mode")

// CompatibilityResult is the verdict of a compatibility check, with the full
// structural diff attached.
type CompatibilityResult struct {
	Compatible bool              `json:"compatible"`
	Mode       CompatibilityMode `json:"mode"`
	Reason     string            `json:"reason"`
	Violations []string          `json:"violations,omitempty"`
	Diff       *SchemaDiff       `json:"diff"`
}

// CheckCompatibility verifies that evolving oldFields into newFields keeps
// the requested read direction working.
func CheckCompatibility(oldFields, newFields []FieldDef, mode CompatibilityMode) (*CompatibilityResult, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompatibilityMode, mode)
	}

	diff, err := CompareSchemas(oldFields, newFields)
	if err != nil {
		return nil, err
	}

	var violations []string

	if mode == CompatBackward || mode == CompatFull {
		violations = append(violations, backwardViolations(diff)...)
	}

	if mode == CompatForward || mode == CompatFull {
		violations = append(violations, forwardViolations(diff)...)
	}

	result := &CompatibilityResult{
		Compatible: len(violations) == 0,
		Mode:       mode,
		Violations: violations,
		Diff:       diff,
	}

	if result.Compatible {
		result.Reason = fmt.Sprintf("schemas are %s compatible", mode)
	} else {
		result.Reason = strings.Join(violations, "; ")
	}

	return result, nil
}

// backwardViolations lists why the new schema could not read old data.
func backwardViolations(diff *SchemaDiff) []string {
	var violations []string

	for _, field := range diff.Added {
		// Old data lacks added fields; the new reader needs them optional
		// or defaulted.
		if field.Mode == ModeRequired && field.Default == nil {
			violations = append(violations,
				fmt.Sprintf("added field %q is required without a default, old data cannot satisfy it", field.Name))
		}
	}

	for _, change := range diff.Modified {
		switch {
		case change.Old.Type != change.New.Type:
			violations = append(violations,
				fmt.Sprintf("field %q changed type %s -> %s, old values are unreadable",
					change.Name, change.Old.Type, change.New.Type))
		case change.Old.Mode == ModeNullable && change.New.Mode == ModeRequired:
			violations = append(violations,
				fmt.Sprintf("field %q tightened NULLABLE -> REQUIRED, old data may hold nulls", change.Name))
		case (change.Old.Mode == ModeRepeated) != (change.New.Mode == ModeRepeated):
			violations = append(violations,
				fmt.Sprintf("field %q changed repetition %s -> %s", change.Name, change.Old.Mode, change.New.Mode))
		}
	}

	return violations
}

// forwardViolations lists why the old schema could not read new data.
func forwardViolations(diff *SchemaDiff) []string {
	var violations []string

	for _, field := range diff.Removed {
		// New data lacks removed fields; the old reader needs them optional
		// or defaulted.
		if field.Mode == ModeRequired && field.Default == nil {
			violations = append(violations,
				fmt.Sprintf("removed field %q is required by the old schema without a default", field.Name))
		}
	}

	for _, change := range diff.Modified {
		switch {
		case change.Old.Type != change.New.Type:
			violations = append(violations,
				fmt.Sprintf("field %q changed type %s -> %s, new values are unreadable",
					change.Name, change.Old.Type, change.New.Type))
		case change.Old.Mode == ModeRequired && change.New.Mode == ModeNullable:
			violations = append(violations,
				fmt.Sprintf("field %q loosened REQUIRED -> NULLABLE, new data may hold nulls the old schema rejects",
					change.Name))
		case (change.Old.Mode == ModeRepeated) != (change.New.Mode == ModeRepeated):
			violations = append(violations,
				fmt.Sprintf("field %q changed repetition %s -> %s", change.Name, change.Old.Mode, change.New.Mode))
		}
	}

	return violations
}
