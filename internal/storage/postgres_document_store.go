package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pipemend-io/pipemend/internal/config"
)

// slowQueryThreshold is the duration above which document queries are logged at Warn.
const slowQueryThreshold = 100 * time.Millisecond

// PostgresDocumentStore implements DocumentStore on a single JSONB-backed
// table. Documents live in documents(collection, doc_id, doc) with a GIN
// index over doc; atomic updates take a row lock (SELECT ... FOR UPDATE)
// inside a transaction, and Transact exposes the same row-locked view for
// multi-document invariants.
type PostgresDocumentStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ DocumentStore = (*PostgresDocumentStore)(nil)

// NewPostgresDocumentStore creates a document store backed by the given connection.
func NewPostgresDocumentStore(conn *Connection) (*PostgresDocumentStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PostgresDocumentStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Set stores a document, replacing any prior version under the same key.
func (s *PostgresDocumentStore) Set(ctx context.Context, collection, id string, doc any) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (collection, doc_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`

	if _, err := s.conn.ExecContext(ctx, query, collection, id, []byte(raw)); err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", collection, id, err)
	}

	return nil
}

// Get returns the raw document or ErrDocumentNotFound.
func (s *PostgresDocumentStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if err := validateDocKey(collection, id); err != nil {
		return nil, err
	}

	query := `SELECT doc FROM documents WHERE collection = $1 AND doc_id = $2`

	var raw []byte

	err := s.conn.QueryRowContext(ctx, query, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch document %s/%s: %w", collection, id, err)
	}

	return raw, nil
}

// Query returns documents matching criteria, ordered by doc_id.
func (s *PostgresDocumentStore) Query(
	ctx context.Context, collection string, criteria Criteria, limit int,
) ([]json.RawMessage, error) {
	if collection == "" {
		return nil, ErrEmptyCollection
	}

	query, args, err := buildDocumentQuery(collection, criteria, limit)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("document query failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []json.RawMessage

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}

		results = append(results, raw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document rows: %w", err)
	}

	if elapsed := time.Since(start); elapsed > slowQueryThreshold {
		s.logger.Warn("slow document query",
			slog.String("collection", collection),
			slog.Duration("duration", elapsed),
			slog.Int("results", len(results)),
		)
	}

	return results, nil
}

// Delete removes a document or returns ErrDocumentNotFound.
func (s *PostgresDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	result, err := s.conn.ExecContext(
		ctx, `DELETE FROM documents WHERE collection = $1 AND doc_id = $2`, collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrDocumentNotFound
	}

	return nil
}

// Update applies mutate to the current document under a row lock.
func (s *PostgresDocumentStore) Update(
	ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error),
) error {
	return s.Transact(ctx, func(tx DocumentTx) error {
		return tx.Update(ctx, collection, id, mutate)
	})
}

// Transact runs fn inside one SQL transaction. Reads lock the rows they
// touch, so pattern+action counter pairs update without interleaving.
func (s *PostgresDocumentStore) Transact(ctx context.Context, fn func(tx DocumentTx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &postgresTx{tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("transaction rollback failed",
				slog.String("error", rbErr.Error()),
			)
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PostgresDocumentStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// postgresTx adapts a *sql.Tx to the DocumentTx interface.
type postgresTx struct {
	tx *sql.Tx
}

var _ DocumentTx = (*postgresTx)(nil)

func (t *postgresTx) Set(ctx context.Context, collection, id string, doc any) error {
	if err := validateDocKey(collection, id); err != nil {
		return err
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (collection, doc_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`

	if _, err := t.tx.ExecContext(ctx, query, collection, id, []byte(raw)); err != nil {
		return fmt.Errorf("failed to upsert document %s/%s in transaction: %w", collection, id, err)
	}

	return nil
}

// Get fetches a document and locks its row for the rest of the transaction.
func (t *postgresTx) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if err := validateDocKey(collection, id); err != nil {
		return nil, err
	}

	query := `SELECT doc FROM documents WHERE collection = $1 AND doc_id = $2 FOR UPDATE`

	var raw []byte

	err := t.tx.QueryRowContext(ctx, query, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch document %s/%s for update: %w", collection, id, err)
	}

	return raw, nil
}

func (t *postgresTx) Update(
	ctx context.Context, collection, id string, mutate func(json.RawMessage) (any, error),
) error {
	current, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	replacement, err := mutate(current)
	if err != nil {
		return err
	}

	raw, err := marshalDocument(replacement)
	if err != nil {
		return err
	}

	query := `UPDATE documents SET doc = $3, updated_at = NOW() WHERE collection = $1 AND doc_id = $2`

	if _, err := t.tx.ExecContext(ctx, query, collection, id, []byte(raw)); err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}

	return nil
}

// buildDocumentQuery compiles criteria into a parameterized SELECT. Criteria
// keys are visited in sorted order so the generated SQL is deterministic.
func buildDocumentQuery(collection string, criteria Criteria, limit int) (string, []any, error) {
	var sb strings.Builder

	sb.WriteString(`SELECT doc FROM documents WHERE collection = $1`)

	args := []any{collection}

	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		path := pq.Array(strings.Split(key, "."))
		expected := criteria[key]

		if opMap, ok := asOperatorMap(expected); ok {
			opKeys := make([]string, 0, len(opMap))
			for op := range opMap {
				opKeys = append(opKeys, op)
			}

			sort.Strings(opKeys)

			for _, op := range opKeys {
				clause, clauseArgs, err := buildOperatorClause(path, op, opMap[op], len(args)+1)
				if err != nil {
					return "", nil, err
				}

				sb.WriteString(" AND ")
				sb.WriteString(clause)
				args = append(args, clauseArgs...)
			}

			continue
		}

		literal, err := json.Marshal(expected)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}

		sb.WriteString(fmt.Sprintf(" AND doc #> $%d::text[] = $%d::jsonb", len(args)+1, len(args)+2))
		args = append(args, path, string(literal))
	}

	sb.WriteString(" ORDER BY doc_id")

	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)+1))
		args = append(args, limit)
	}

	return sb.String(), args, nil
}

func buildOperatorClause(path any, op string, operand any, argPos int) (string, []any, error) {
	switch op {
	case OpGTE, OpLTE:
		cmp := ">="
		if op == OpLTE {
			cmp = "<="
		}

		if f, ok := toFloat(operand); ok {
			clause := fmt.Sprintf("(doc #>> $%d::text[])::numeric %s $%d", argPos, cmp, argPos+1)

			return clause, []any{path, f}, nil
		}

		s, ok := operand.(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s operand must be a number or string", ErrInvalidCriteria, op)
		}

		clause := fmt.Sprintf("doc #>> $%d::text[] %s $%d", argPos, cmp, argPos+1)

		return clause, []any{path, s}, nil
	case OpRegex:
		pattern, ok := operand.(string)
		if !ok {
			return "", nil, fmt.Errorf("%w: $regex operand must be a string", ErrInvalidCriteria)
		}

		clause := fmt.Sprintf("doc #>> $%d::text[] ~ $%d", argPos, argPos+1)

		return clause, []any{path, pattern}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported operator %s", ErrInvalidCriteria, op)
	}
}
