package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for analytical store operations.
var (
	ErrTableNotFound     = errors.New("analytical table not found")
	ErrInvalidIdentifier = errors.New("invalid analytical identifier")
	ErrNoColumns         = errors.New("table must have at least one column")
	ErrUnknownColumn     = errors.New("row references unknown column")
)

// ColumnType enumerates the column types the analytical schema supports.
type ColumnType string

// Supported analytical column types.
const (
	ColumnText      ColumnType = "TEXT"
	ColumnBigInt    ColumnType = "BIGINT"
	ColumnDouble    ColumnType = "DOUBLE PRECISION"
	ColumnBool      ColumnType = "BOOLEAN"
	ColumnTimestamp ColumnType = "TIMESTAMPTZ"
	ColumnJSON      ColumnType = "JSONB"
)

// IsValid returns true for recognized column types.
func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnText, ColumnBigInt, ColumnDouble, ColumnBool, ColumnTimestamp, ColumnJSON:
		return true
	default:
		return false
	}
}

type (
	// Column describes one column of an analytical table.
	Column struct {
		Name string
		Type ColumnType
	}

	// Row is one analytical row keyed by column name.
	Row map[string]any

	// AnalyticalStore is the derived, append-mostly warehouse target. The
	// metadata exporter is its only writer: analytical rows are always
	// batch-derived from the document store, never co-authoritative.
	AnalyticalStore interface {
		// EnsureTable creates the table if missing. Existing tables are left
		// untouched; use AddColumns to evolve them.
		EnsureTable(ctx context.Context, table string, columns []Column) error

		// AddColumns appends new nullable columns to an existing table.
		AddColumns(ctx context.Context, table string, columns []Column) error

		// InsertRows appends rows. Missing columns insert as NULL; unknown
		// columns are an error.
		InsertRows(ctx context.Context, table string, rows []Row) error

		// QueryTable returns rows matching the equality filter, parameterized
		// per column. limit <= 0 means no limit.
		QueryTable(ctx context.Context, table string, filter map[string]any, limit int) ([]Row, error)

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error
	}
)

// identifierPattern restricts analytical table and column names so generated
// DDL never needs quoting or escaping.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

func validateColumns(columns []Column) error {
	if len(columns) == 0 {
		return ErrNoColumns
	}

	for _, col := range columns {
		if err := validateIdentifier(col.Name); err != nil {
			return err
		}

		if !col.Type.IsValid() {
			return fmt.Errorf("%w: column %s has unknown type %q", ErrInvalidIdentifier, col.Name, col.Type)
		}
	}

	return nil
}
