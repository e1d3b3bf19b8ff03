package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pipemend-io/pipemend/internal/config"
)

// analyticalTablePrefix namespaces exporter-managed tables away from the
// document table and the migration bookkeeping.
const analyticalTablePrefix = "export_"

// PostgresAnalyticalStore implements AnalyticalStore with dynamically managed
// tables. Identifiers are validated against a strict pattern before any DDL
// is generated, so table and column names never need quoting.
type PostgresAnalyticalStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ AnalyticalStore = (*PostgresAnalyticalStore)(nil)

// NewPostgresAnalyticalStore creates an analytical store backed by the given connection.
func NewPostgresAnalyticalStore(conn *Connection) (*PostgresAnalyticalStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresAnalyticalStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// EnsureTable creates the table if missing.
func (s *PostgresAnalyticalStore) EnsureTable(ctx context.Context, table string, columns []Column) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	if err := validateColumns(columns); err != nil {
		return err
	}

	defs := make([]string, 0, len(columns))
	for _, col := range columns {
		defs = append(defs, fmt.Sprintf("%s %s", col.Name, col.Type))
	}

	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s%s (%s)",
		analyticalTablePrefix, table, strings.Join(defs, ", "),
	)

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure analytical table %s: %w", table, err)
	}

	return nil
}

// AddColumns appends new nullable columns to an existing table.
func (s *PostgresAnalyticalStore) AddColumns(ctx context.Context, table string, columns []Column) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	if err := validateColumns(columns); err != nil {
		return err
	}

	for _, col := range columns {
		ddl := fmt.Sprintf(
			"ALTER TABLE %s%s ADD COLUMN IF NOT EXISTS %s %s",
			analyticalTablePrefix, table, col.Name, col.Type,
		)

		if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %s to analytical table %s: %w", col.Name, table, err)
		}
	}

	return nil
}

// InsertRows appends rows in one multi-row INSERT per call.
func (s *PostgresAnalyticalStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if err := validateIdentifier(table); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	// Column order is the union of row keys, sorted for determinism.
	colSet := make(map[string]struct{})

	for _, row := range rows {
		for col := range row {
			if err := validateIdentifier(col); err != nil {
				return err
			}

			colSet[col] = struct{}{}
		}
	}

	cols := make([]string, 0, len(colSet))
	for col := range colSet {
		cols = append(cols, col)
	}

	sort.Strings(cols)

	var (
		placeholders []string
		args         []any
	)

	for _, row := range rows {
		ph := make([]string, 0, len(cols))

		for _, col := range cols {
			args = append(args, normalizeAnalyticalValue(row[col]))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}

		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s%s (%s) VALUES %s",
		analyticalTablePrefix, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	start := time.Now()

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %d rows into analytical table %s: %w", len(rows), table, err)
	}

	s.logger.Debug("analytical rows inserted",
		slog.String("table", table),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", time.Since(start)),
	)

	return nil
}

// QueryTable returns rows matching the equality filter.
func (s *PostgresAnalyticalStore) QueryTable(
	ctx context.Context, table string, filter map[string]any, limit int,
) ([]Row, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("SELECT * FROM %s%s", analyticalTablePrefix, table))

	var args []any

	cols := make([]string, 0, len(filter))
	for col := range filter {
		if err := validateIdentifier(col); err != nil {
			return nil, err
		}

		cols = append(cols, col)
	}

	sort.Strings(cols)

	for i, col := range cols {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		args = append(args, normalizeAnalyticalValue(filter[col]))
		sb.WriteString(fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)+1))
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("analytical query failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read analytical columns: %w", err)
	}

	var results []Row

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan analytical row: %w", err)
		}

		row := make(Row, len(columns))

		for i, col := range columns {
			row[col] = denormalizeAnalyticalValue(values[i])
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analytical rows: %w", err)
	}

	return results, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PostgresAnalyticalStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// normalizeAnalyticalValue converts composite values to JSON text so they can
// land in JSONB columns through the generic driver path.
func normalizeAnalyticalValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(data)
	}
}

// denormalizeAnalyticalValue converts driver byte slices back to strings.
func denormalizeAnalyticalValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	return v
}
