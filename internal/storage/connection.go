// Package storage provides the persistence substrate for the healing core:
// a document store, a derived analytical store, and an object store for
// staged artifacts, each with a PostgreSQL (or filesystem) and an in-memory
// implementation.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const pingRetryInterval = 2 * time.Second

var (
	// ErrNoDatabaseConnection is returned when an operation runs against a closed or nil connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrStoreUnreachable is returned when the store stays unreachable past the startup grace window.
	// This is a fatal startup condition; callers should exit rather than retry.
	ErrStoreUnreachable = errors.New("persistence store unreachable within startup grace")
)

// Connection wraps a PostgreSQL connection pool with health checking and
// startup-grace connect semantics.
type Connection struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
//
// The initial ping is retried every few seconds until it succeeds or the
// configured startup grace window elapses; an unreachable store past the
// window returns ErrStoreUnreachable and the caller is expected to treat it
// as fatal.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = LoadConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{
		db:     db,
		config: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	if err := conn.waitUntilReachable(cfg.StartupGrace); err != nil {
		_ = db.Close()

		return nil, err
	}

	conn.logger.Info("database connection established",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return conn, nil
}

// waitUntilReachable pings the database until it responds or the grace window elapses.
func (c *Connection) waitUntilReachable(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var lastErr error

	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, pingRetryInterval)
		lastErr = c.db.PingContext(pingCtx)

		pingCancel()

		if lastErr == nil {
			return nil
		}

		c.logger.Warn("database not reachable yet, retrying",
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last error: %v", ErrStoreUnreachable, lastErr)
		case <-time.After(pingRetryInterval):
		}
	}
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.BeginTx(ctx, opts)
}

// ExecContext executes a statement against the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query against the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c == nil || c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query against the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.db == nil {
		return ErrNoDatabaseConnection
	}

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// DB exposes the underlying pool for the migration runner.
func (c *Connection) DB() *sql.DB {
	if c == nil {
		return nil
	}

	return c.db
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}
