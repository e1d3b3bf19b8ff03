package schemareg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrIncompatiblePlan indicates an evolution plan whose compatibility check
// failed; Execute refuses to register it.
var ErrIncompatiblePlan = errors.New("evolution plan is not compatible")

// sqlTypes maps schema field types to the DDL types used in generated
// migration scripts.
var sqlTypes = map[FieldType]string{
	TypeString:    "TEXT",
	TypeInteger:   "BIGINT",
	TypeFloat:     "DOUBLE PRECISION",
	TypeBoolean:   "BOOLEAN",
	TypeTimestamp: "TIMESTAMPTZ",
	TypeDate:      "DATE",
	TypeBytes:     "BYTEA",
	TypeJSON:      "JSONB",
}

type (
	// ChangeSet describes a requested schema evolution: fields to add,
	// field names to remove, and fields to modify in place (matched by
	// name).
	ChangeSet struct {
		Add    []FieldDef
		Remove []string
		Modify []FieldDef
	}

	// EvolutionPlan is a prepared schema evolution: the evolved field set,
	// its compatibility verdict against the base version, and the migration
	// script for the external SQL system holding the data.
	EvolutionPlan struct {
		SchemaName    string               `json:"schema_name"`
		BaseVersion   string               `json:"base_version"`
		Mode          CompatibilityMode    `json:"mode"`
		Evolved       []FieldDef           `json:"evolved"`
		Compatibility *CompatibilityResult `json:"compatibility"`
		MigrationSQL  []string             `json:"migration_sql"`
	}
)

// PlanEvolution applies a change set to the latest version of a schema and
// prepares the migration. The plan is returned even when incompatible so
// callers can inspect the violations; Execute enforces compatibility.
func (r *Registry) PlanEvolution(
	ctx context.Context, schemaName string, changes ChangeSet, mode CompatibilityMode,
) (*EvolutionPlan, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompatibilityMode, mode)
	}

	base, err := r.GetSchema(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	evolved, err := applyChangeSet(base.Fields, changes)
	if err != nil {
		return nil, err
	}

	compatibility, err := CheckCompatibility(base.Fields, evolved, mode)
	if err != nil {
		return nil, err
	}

	return &EvolutionPlan{
		SchemaName:    schemaName,
		BaseVersion:   base.Version,
		Mode:          mode,
		Evolved:       evolved,
		Compatibility: compatibility,
		MigrationSQL:  migrationScript(schemaName, compatibility.Diff, mode),
	}, nil
}

// ExecuteEvolution registers the evolved schema as a new version. The base
// version remains registered and queryable. Incompatible plans are refused.
func (r *Registry) ExecuteEvolution(ctx context.Context, plan *EvolutionPlan) (*SchemaRecord, error) {
	if plan == nil || plan.Compatibility == nil {
		return nil, fmt.Errorf("%w: plan is incomplete", ErrIncompatiblePlan)
	}

	if !plan.Compatibility.Compatible {
		return nil, fmt.Errorf("%w: %s", ErrIncompatiblePlan, plan.Compatibility.Reason)
	}

	base, err := r.GetSchema(ctx, plan.SchemaName)
	if err != nil {
		return nil, err
	}

	if base.Version != plan.BaseVersion {
		return nil, fmt.Errorf("%w: plan based on %s but latest is %s",
			ErrIncompatiblePlan, plan.BaseVersion, base.Version)
	}

	record, err := r.Register(ctx, RegisterRequest{
		SchemaName: plan.SchemaName,
		Fields:     plan.Evolved,
		Format:     base.Format,
		SourceID:   base.SourceID,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("schema evolution executed",
		slog.String("schema_name", plan.SchemaName),
		slog.String("base_version", plan.BaseVersion),
		slog.String("new_version", record.Version),
		slog.String("mode", string(plan.Mode)),
	)

	return record, nil
}

// applyChangeSet produces the evolved field list. Unknown names in Remove or
// Modify are errors: silently ignoring them would register an evolution that
// did not happen.
func applyChangeSet(base []FieldDef, changes ChangeSet) ([]FieldDef, error) {
	fields := make([]FieldDef, len(base))
	copy(fields, base)

	byName := make(map[string]int, len(fields))
	for i, field := range fields {
		byName[field.Name] = i
	}

	for _, modified := range changes.Modify {
		i, ok := byName[modified.Name]
		if !ok {
			return nil, fmt.Errorf("%w: cannot modify unknown field %q", ErrInvalidSchema, modified.Name)
		}

		fields[i] = modified
	}

	for _, name := range changes.Remove {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: cannot remove unknown field %q", ErrInvalidSchema, name)
		}
	}

	if len(changes.Remove) > 0 {
		removed := make(map[string]bool, len(changes.Remove))
		for _, name := range changes.Remove {
			removed[name] = true
		}

		kept := fields[:0]

		for _, field := range fields {
			if !removed[field.Name] {
				kept = append(kept, field)
			}
		}

		fields = kept
	}

	for _, added := range changes.Add {
		for _, field := range fields {
			if field.Name == added.Name {
				return nil, fmt.Errorf("%w: cannot add existing field %q", ErrInvalidSchema, added.Name)
			}
		}

		fields = append(fields, added)
	}

	return normalizeFields(fields)
}

// migrationScript renders the DDL statements for the external SQL system
// holding the schema's data. BACKWARD mode backfills added required columns
// with their defaults before tightening; FORWARD mode keeps removed columns
// as nullable leftovers instead of dropping data old readers may still scan.
func migrationScript(schemaName string, diff *SchemaDiff, mode CompatibilityMode) []string {
	table := strings.ReplaceAll(schemaName, ".", "_")
	statements := make([]string, 0, len(diff.Added)+len(diff.Removed)+len(diff.Modified))

	for _, field := range diff.Added {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, field.Name, sqlTypes[field.Type])

		if field.Default != nil {
			stmt += fmt.Sprintf(" DEFAULT %s", sqlLiteral(field.Default))
		}

		if field.Mode == ModeRequired && field.Default != nil {
			stmt += " NOT NULL"
		}

		statements = append(statements, stmt+";")
	}

	for _, field := range diff.Removed {
		if mode == CompatForward || mode == CompatFull {
			statements = append(statements,
				fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", table, field.Name))

			continue
		}

		statements = append(statements, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", table, field.Name))
	}

	for _, change := range diff.Modified {
		if change.Old.Type != change.New.Type {
			statements = append(statements,
				fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;",
					table, change.Name, sqlTypes[change.New.Type], change.Name, sqlTypes[change.New.Type]))
		}

		switch {
		case change.Old.Mode == ModeNullable && change.New.Mode == ModeRequired:
			if change.New.Default != nil {
				statements = append(statements,
					fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL;",
						table, change.Name, sqlLiteral(change.New.Default), change.Name))
			}

			statements = append(statements,
				fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", table, change.Name))
		case change.Old.Mode == ModeRequired && change.New.Mode == ModeNullable:
			statements = append(statements,
				fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", table, change.Name))
		}
	}

	return statements
}

// sqlLiteral renders a default value for DDL. Strings are quoted; numbers
// and booleans render bare.
func sqlLiteral(value any) string {
	switch typed := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(typed, "'", "''") + "'"
	case bool:
		if typed {
			return "TRUE"
		}

		return "FALSE"
	default:
		return fmt.Sprintf("%v", typed)
	}
}
