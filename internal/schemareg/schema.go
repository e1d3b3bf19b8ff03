// Package schemareg is the schema registry: it versions dataset schemas,
// detects drift between registered schemas and live data, checks
// compatibility between versions, and plans schema evolutions.
//
// Schemas are keyed by (schema_name, version) with semver version chains per
// name. Identity is a SHA-256 fingerprint of the schema's canonical form, so
// registering the same schema twice returns the same schema_id.
package schemareg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldType is the closed set of schema field types.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
	TypeBoolean   FieldType = "BOOLEAN"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeDate      FieldType = "DATE"
	TypeBytes     FieldType = "BYTES"
	TypeJSON      FieldType = "JSON"
)

// IsValid returns true for recognized field types.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp, TypeDate, TypeBytes, TypeJSON:
		return true
	default:
		return false
	}
}

// FieldMode describes how values occupy a field.
type FieldMode string

const (
	ModeNullable FieldMode = "NULLABLE"
	ModeRequired FieldMode = "REQUIRED"
	ModeRepeated FieldMode = "REPEATED"
)

// IsValid returns true for recognized field modes.
func (m FieldMode) IsValid() bool {
	switch m {
	case ModeNullable, ModeRequired, ModeRepeated:
		return true
	default:
		return false
	}
}

// Sentinel errors shared by the schemareg package.
var (
	// ErrInvalidSchema indicates a schema definition that fails validation.
	ErrInvalidSchema = errors.New("invalid schema definition")

	// ErrSchemaNotFound indicates no schema matches the requested name or version.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrRegistryCorrupted indicates a fingerprint collision with differing
	// content. This is fatal: the registry's identity guarantee is broken.
	ErrRegistryCorrupted = errors.New("schema registry corrupted: fingerprint collision")
)

type (
	// FieldDef describes one field of a schema.
	FieldDef struct {
		Name     string    `json:"name"`
		Type     FieldType `json:"type"`
		Mode     FieldMode `json:"mode"`
		Nullable bool      `json:"nullable"`
		Default  any       `json:"default,omitempty"`
	}

	// SchemaRecord is one immutable registered schema version.
	SchemaRecord struct {
		SchemaID    string     `json:"schema_id"`
		SchemaName  string     `json:"schema_name"`
		Fields      []FieldDef `json:"fields"`
		Format      string     `json:"format,omitempty"`
		Version     string     `json:"version"`
		Fingerprint string     `json:"fingerprint"`
		SourceID    string     `json:"source_id,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
	}
)

// Field returns the field with the given name, or nil.
func (r *SchemaRecord) Field(name string) *FieldDef {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return &r.Fields[i]
		}
	}

	return nil
}

// normalizeFields fills derived attributes and returns the fields sorted by
// name. The canonical order makes fingerprints independent of declaration
// order. The input slice is not modified.
func normalizeFields(fields []FieldDef) ([]FieldDef, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema needs at least one field", ErrInvalidSchema)
	}

	normalized := make([]FieldDef, len(fields))
	copy(normalized, fields)

	seen := make(map[string]bool, len(normalized))

	for i := range normalized {
		field := &normalized[i]

		field.Name = strings.TrimSpace(field.Name)
		if field.Name == "" {
			return nil, fmt.Errorf("%w: field name cannot be empty", ErrInvalidSchema)
		}

		if seen[field.Name] {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, field.Name)
		}

		seen[field.Name] = true

		if !field.Type.IsValid() {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, field.Name, field.Type)
		}

		// Mode and Nullable are two views of the same attribute; either may
		// be supplied and the other is derived.
		if field.Mode == "" {
			if field.Nullable {
				field.Mode = ModeNullable
			} else {
				field.Mode = ModeRequired
			}
		}

		if !field.Mode.IsValid() {
			return nil, fmt.Errorf("%w: field %q has unknown mode %q", ErrInvalidSchema, field.Name, field.Mode)
		}

		field.Nullable = field.Mode == ModeNullable
	}

	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].Name < normalized[j].Name
	})

	return normalized, nil
}

// canonicalForm renders a schema's identity-relevant content as stable JSON:
// sorted fields, fixed key order, no version or timestamps.
func canonicalForm(name, format string, fields []FieldDef) (string, error) {
	payload := struct {
		Name   string     `json:"name"`
		Format string     `json:"format"`
		Fields []FieldDef `json:"fields"`
	}{
		Name:   name,
		Format: format,
		Fields: fields,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize schema: %w", err)
	}

	return string(data), nil
}

// Fingerprint computes the deterministic identity of a schema: the SHA-256
// of its canonical form, hex encoded. Field order does not matter.
func Fingerprint(name, format string, fields []FieldDef) (string, error) {
	normalized, err := normalizeFields(fields)
	if err != nil {
		return "", err
	}

	canonical, err := canonicalForm(name, format, normalized)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(canonical))

	return hex.EncodeToString(sum[:]), nil
}
