package schemareg

import (
	"fmt"
	"reflect"
)

type (
	// FieldChange describes one modified field shared by two schemas.
	FieldChange struct {
		Name     string   `json:"name"`
		Old      FieldDef `json:"old"`
		New      FieldDef `json:"new"`
		Breaking bool     `json:"breaking"`
		Reason   string   `json:"reason,omitempty"`
	}

	// SchemaDiff enumerates the structural differences between two schemas.
	// Comparing B against A mirrors Added and Removed and preserves Modified
	// and the breaking-change count.
	SchemaDiff struct {
		Added           []FieldDef    `json:"added,omitempty"`
		Removed         []FieldDef    `json:"removed,omitempty"`
		Modified        []FieldChange `json:"modified,omitempty"`
		BreakingChanges []string      `json:"breaking_changes,omitempty"`
	}
)

// HasChanges reports whether the diff contains any structural difference.
func (d *SchemaDiff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// HasBreaking reports whether the diff contains breaking changes.
func (d *SchemaDiff) HasBreaking() bool {
	return len(d.BreakingChanges) > 0
}

// CompareSchemas diffs two field sets. Breaking changes are determined by
// direction-independent rules so that CompareSchemas(a, b) and
// CompareSchemas(b, a) always flag the same number of them:
//
//   - a type change on a shared field breaks readers on both sides;
//   - a mode change on a shared field (REQUIRED vs NULLABLE, or anything vs
//     REPEATED) breaks one read direction, so the pair is flagged either way;
//   - a field present on only one side breaks exactly when that side requires
//     it without a default — readers lacking the field cannot supply it, and
//     writers on the other side cannot omit it.
//
// A nullable field present on only one side is not breaking: both sides can
// treat it as absent-means-null.
func CompareSchemas(oldFields, newFields []FieldDef) (*SchemaDiff, error) {
	oldNorm, err := normalizeFields(oldFields)
	if err != nil {
		return nil, fmt.Errorf("old schema: %w", err)
	}

	newNorm, err := normalizeFields(newFields)
	if err != nil {
		return nil, fmt.Errorf("new schema: %w", err)
	}

	oldByName := make(map[string]FieldDef, len(oldNorm))
	for _, field := range oldNorm {
		oldByName[field.Name] = field
	}

	newByName := make(map[string]FieldDef, len(newNorm))
	for _, field := range newNorm {
		newByName[field.Name] = field
	}

	diff := &SchemaDiff{}

	for _, field := range newNorm {
		if _, ok := oldByName[field.Name]; !ok {
			diff.Added = append(diff.Added, field)

			if presenceBreaking(field) {
				diff.BreakingChanges = append(diff.BreakingChanges,
					fmt.Sprintf("field %q exists on one side only and is required without a default", field.Name))
			}
		}
	}

	for _, field := range oldNorm {
		newField, ok := newByName[field.Name]
		if !ok {
			diff.Removed = append(diff.Removed, field)

			if presenceBreaking(field) {
				diff.BreakingChanges = append(diff.BreakingChanges,
					fmt.Sprintf("field %q exists on one side only and is required without a default", field.Name))
			}

			continue
		}

		change, changed := diffField(field, newField)
		if !changed {
			continue
		}

		diff.Modified = append(diff.Modified, change)

		if change.Breaking {
			diff.BreakingChanges = append(diff.BreakingChanges,
				fmt.Sprintf("field %q: %s", field.Name, change.Reason))
		}
	}

	return diff, nil
}

// presenceBreaking reports whether a field's absence from the other schema
// is a breaking change.
func presenceBreaking(field FieldDef) bool {
	return field.Mode == ModeRequired && field.Default == nil
}

// diffField compares one shared field across two schemas.
func diffField(oldField, newField FieldDef) (FieldChange, bool) {
	change := FieldChange{Name: oldField.Name, Old: oldField, New: newField}

	switch {
	case oldField.Type != newField.Type:
		change.Breaking = true
		change.Reason = fmt.Sprintf("type changed %s -> %s", oldField.Type, newField.Type)
	case oldField.Mode != newField.Mode:
		change.Breaking = true
		change.Reason = fmt.Sprintf("mode changed %s -> %s", oldField.Mode, newField.Mode)
	case !reflect.DeepEqual(oldField.Default, newField.Default):
		change.Reason = "default value changed"
	default:
		return change, false
	}

	return change, true
}
