package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryAnalyticalStore is an in-memory AnalyticalStore used by unit tests.
type MemoryAnalyticalStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

type memoryTable struct {
	columns map[string]ColumnType
	order   []string
	rows    []Row
}

var _ AnalyticalStore = (*MemoryAnalyticalStore)(nil)

// NewMemoryAnalyticalStore creates an empty in-memory analytical store.
func NewMemoryAnalyticalStore() *MemoryAnalyticalStore {
	return &MemoryAnalyticalStore{tables: make(map[string]*memoryTable)}
}

// EnsureTable creates the table if missing.
func (s *MemoryAnalyticalStore) EnsureTable(ctx context.Context, table string, columns []Column) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	if err := validateColumns(columns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table]; ok {
		return ctx.Err()
	}

	t := &memoryTable{columns: make(map[string]ColumnType, len(columns))}
	for _, col := range columns {
		t.columns[col.Name] = col.Type
		t.order = append(t.order, col.Name)
	}

	s.tables[table] = t

	return ctx.Err()
}

// AddColumns appends new columns; existing columns of the same name are rejected.
func (s *MemoryAnalyticalStore) AddColumns(ctx context.Context, table string, columns []Column) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	if err := validateColumns(columns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	for _, col := range columns {
		if _, exists := t.columns[col.Name]; exists {
			return fmt.Errorf("%w: column %s already exists", ErrInvalidIdentifier, col.Name)
		}

		t.columns[col.Name] = col.Type
		t.order = append(t.order, col.Name)
	}

	return ctx.Err()
}

// InsertRows appends rows, rejecting unknown columns.
func (s *MemoryAnalyticalStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	for _, row := range rows {
		stored := make(Row, len(row))

		for col, val := range row {
			if _, known := t.columns[col]; !known {
				return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
			}

			stored[col] = val
		}

		t.rows = append(t.rows, stored)
	}

	return ctx.Err()
}

// QueryTable returns copies of rows matching the equality filter.
func (s *MemoryAnalyticalStore) QueryTable(
	ctx context.Context, table string, filter map[string]any, limit int,
) ([]Row, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	for col := range filter {
		if _, known := t.columns[col]; !known {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
		}
	}

	var results []Row

	for _, row := range t.rows {
		matched := true

		for col, expected := range filter {
			if !jsonEqual(row[col], expected) {
				matched = false

				break
			}
		}

		if !matched {
			continue
		}

		dup := make(Row, len(row))
		for k, v := range row {
			dup[k] = v
		}

		results = append(results, dup)

		if limit > 0 && len(results) >= limit {
			break
		}
	}

	return results, ctx.Err()
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryAnalyticalStore) HealthCheck(_ context.Context) error {
	return nil
}

// RowCount returns the number of rows in a table. Test helper.
func (s *MemoryAnalyticalStore) RowCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tables[table]; ok {
		return len(t.rows)
	}

	return 0
}
