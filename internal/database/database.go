// Package database implements the sink side: versioned bulk upserts
// into the analytical store, watermark lookups, and the in-memory
// batching layer in front of them.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/insight"
)

// ErrSink is the class for store failures; they are fatal to the run.
var ErrSink = errs.Class("sink")

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is what the sink flushes into: a bulk row-insert per table.
// The store deduplicates by primary key, keeping the row with the
// larger _version.
type Store interface {
	InsertRows(ctx context.Context, table string, rows []insight.Record) error
}

// DB wraps a connection pool to the analytical store.
type DB struct {
	log  *zap.Logger
	pool Pool
}

// Connect creates a new database connection pool
func Connect(ctx context.Context, log *zap.Logger, cfg config.SinkConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Set connection pool limits
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{log: log, pool: pool}, nil
}

// NewTestDB wraps an existing pool, typically a pgxmock one.
func NewTestDB(pool Pool) *DB {
	return &DB{log: zap.NewNop(), pool: pool}
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.pool.Close()
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// InsertRows dispatches a batch to the table's upsert.
func (db *DB) InsertRows(ctx context.Context, table string, rows []insight.Record) error {
	if len(rows) == 0 {
		return nil
	}
	switch table {
	case insight.TableRepositories:
		return db.upsertRepositories(ctx, rows)
	case insight.TableBranches:
		return db.upsertBranches(ctx, rows)
	case insight.TableCommits:
		return db.upsertCommits(ctx, rows)
	case insight.TableCommitFiles:
		return db.upsertCommitFiles(ctx, rows)
	case insight.TablePullRequests:
		return db.upsertPullRequests(ctx, rows)
	case insight.TablePRReviewers:
		return db.upsertReviewers(ctx, rows)
	case insight.TablePRComments:
		return db.upsertComments(ctx, rows)
	case insight.TablePRCommits:
		return db.upsertPRCommits(ctx, rows)
	case insight.TableTickets:
		return db.insertTickets(ctx, rows)
	case insight.TableCollectionRuns:
		return db.upsertRuns(ctx, rows)
	default:
		return ErrSink.New("unknown table %q", table)
	}
}

// execBatch queues one statement per arg tuple and runs them in a
// single transaction.
func (db *DB) execBatch(ctx context.Context, query string, argRows [][]any) error {
	if len(argRows) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ErrSink.New("failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, args := range argRows {
		batch.Queue(query, args...)
	}

	br := tx.SendBatch(ctx, batch)

	for range argRows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return ErrSink.New("failed to execute batch: %v", err)
		}
	}

	// Must close batch reader before committing transaction
	if err := br.Close(); err != nil {
		return ErrSink.New("failed to close batch: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ErrSink.New("failed to commit transaction: %v", err)
	}

	return nil
}

// typed converts a Record batch to its concrete row type. A mismatch is
// a programming error and fails the flush.
func typed[T insight.Record](rows []insight.Record) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		value, ok := row.(T)
		if !ok {
			return nil, ErrSink.New("unexpected record type %T", row)
		}
		out = append(out, value)
	}
	return out, nil
}
