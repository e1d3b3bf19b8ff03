package storage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipemend-io/pipemend/internal/config"
)

// setupStorageIntegration starts a migrated PostgreSQL container and returns
// a Connection for the store under test.
func setupStorageIntegration(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	connStr, err := testDB.Container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := NewConnection(&Config{
		databaseURL:     connStr,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
		StartupGrace:    30 * time.Second,
	})
	require.NoError(t, err, "Failed to connect to test database")

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testDB.Connection.Close()
		_ = testDB.Container.Terminate(ctx)
	})

	return conn
}

func TestPostgresDocumentStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupStorageIntegration(ctx, t)

	store, err := NewPostgresDocumentStore(conn)
	require.NoError(t, err)

	t.Run("set get delete roundtrip", func(t *testing.T) {
		doc := newTestIssueDoc("issue-1", "data_quality", 0.92, "orders_etl", "2026-08-20T10:00:00Z")

		require.NoError(t, store.Set(ctx, "issues", "issue-1", doc))

		raw, err := store.Get(ctx, "issues", "issue-1")
		require.NoError(t, err)

		var got testIssueDoc
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, doc, got)

		// Upsert path: same id, new payload.
		doc.Confidence = 0.33
		require.NoError(t, store.Set(ctx, "issues", "issue-1", doc))

		raw, err = store.Get(ctx, "issues", "issue-1")
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.InDelta(t, 0.33, got.Confidence, 1e-9)

		require.NoError(t, store.Delete(ctx, "issues", "issue-1"))
		assert.ErrorIs(t, store.Delete(ctx, "issues", "issue-1"), ErrDocumentNotFound)

		_, err = store.Get(ctx, "issues", "issue-1")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("query with criteria", func(t *testing.T) {
		docs := []testIssueDoc{
			newTestIssueDoc("q-1", "data_quality", 0.95, "orders_etl", "2026-08-20T10:00:00Z"),
			newTestIssueDoc("q-2", "pipeline", 0.70, "orders_etl", "2026-08-20T11:30:00Z"),
			newTestIssueDoc("q-3", "data_quality", 0.40, "customer_sync", "2026-08-21T09:00:00Z"),
		}

		for _, doc := range docs {
			require.NoError(t, store.Set(ctx, "query_issues", doc.IssueID, doc))
		}

		results, err := store.Query(ctx, "query_issues", Criteria{"category": "data_quality"}, 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		results, err = store.Query(ctx, "query_issues", Criteria{"details.pipeline_id": "orders_etl"}, 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		results, err = store.Query(ctx, "query_issues", Criteria{
			"confidence": map[string]any{OpGTE: 0.5},
		}, 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		results, err = store.Query(ctx, "query_issues", Criteria{
			"details.timestamp": map[string]any{
				OpGTE: "2026-08-20T11:00:00Z",
				OpLTE: "2026-08-22T00:00:00Z",
			},
		}, 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		results, err = store.Query(ctx, "query_issues", Criteria{
			"details.pipeline_id": map[string]any{OpRegex: "^orders"},
		}, 1)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "actions", "action-1", map[string]any{"success_count": 0}))

		const workers = 10

		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				err := store.Update(ctx, "actions", "action-1", func(raw json.RawMessage) (any, error) {
					var doc map[string]float64
					if err := json.Unmarshal(raw, &doc); err != nil {
						return nil, err
					}

					doc["success_count"]++

					return doc, nil
				})
				assert.NoError(t, err)
			}()
		}

		wg.Wait()

		raw, err := store.Get(ctx, "actions", "action-1")
		require.NoError(t, err)

		var doc map[string]float64
		require.NoError(t, json.Unmarshal(raw, &doc))
		assert.InDelta(t, float64(workers), doc["success_count"], 1e-9)
	})

	t.Run("transact commits counter pair atomically", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "patterns", "pattern-1", map[string]any{"occurrence_count": 3}))
		require.NoError(t, store.Set(ctx, "actions", "action-2", map[string]any{"success_count": 8}))

		err := store.Transact(ctx, func(tx DocumentTx) error {
			if err := tx.Update(ctx, "patterns", "pattern-1", bumpField("occurrence_count")); err != nil {
				return err
			}

			return tx.Update(ctx, "actions", "action-2", bumpField("success_count"))
		})
		require.NoError(t, err)

		assertFieldValue(t, store, "patterns", "pattern-1", "occurrence_count", 4)
		assertFieldValue(t, store, "actions", "action-2", "success_count", 9)
	})

	t.Run("transact rolls back on error", func(t *testing.T) {
		err := store.Transact(ctx, func(tx DocumentTx) error {
			if err := tx.Update(ctx, "patterns", "pattern-1", bumpField("occurrence_count")); err != nil {
				return err
			}

			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		assertFieldValue(t, store, "patterns", "pattern-1", "occurrence_count", 4)
	})

	t.Run("health check", func(t *testing.T) {
		require.NoError(t, store.HealthCheck(ctx))
	})
}

func TestPostgresAnalyticalStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupStorageIntegration(ctx, t)

	store, err := NewPostgresAnalyticalStore(conn)
	require.NoError(t, err)

	columns := []Column{
		{Name: "execution_id", Type: ColumnText},
		{Name: "pipeline_id", Type: ColumnText},
		{Name: "status", Type: ColumnText},
		{Name: "duration_seconds", Type: ColumnDouble},
	}

	require.NoError(t, store.EnsureTable(ctx, "executions", columns))
	require.NoError(t, store.EnsureTable(ctx, "executions", columns)) // idempotent

	rows := []Row{
		{"execution_id": "run-1", "pipeline_id": "orders_etl", "status": "completed", "duration_seconds": 42.5},
		{"execution_id": "run-2", "pipeline_id": "orders_etl", "status": "failed", "duration_seconds": 3.1},
	}
	require.NoError(t, store.InsertRows(ctx, "executions", rows))

	results, err := store.QueryTable(ctx, "executions", map[string]any{"status": "failed"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run-2", results[0]["execution_id"])

	require.NoError(t, store.AddColumns(ctx, "executions", []Column{
		{Name: "records_processed", Type: ColumnBigInt},
	}))

	require.NoError(t, store.InsertRows(ctx, "executions", []Row{
		{"execution_id": "run-3", "pipeline_id": "orders_etl", "status": "completed", "records_processed": int64(1200)},
	}))

	all, err := store.QueryTable(ctx, "executions", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.QueryTable(ctx, "executions", nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// bumpField returns a mutate function incrementing one numeric field.
func bumpField(field string) func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		var doc map[string]float64
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}

		doc[field]++

		return doc, nil
	}
}
