package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the single serialized-transaction state store. spec.md §3/§4.3
// requires every update to run in one serialized transaction with readers
// seeing a consistent snapshot; sqlite in WAL journal mode plus a single
// writer connection gives us that without a distributed lock.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed store at path and
// applies the schema DDL. A single connection is kept (SetMaxOpenConns(1))
// so writers serialize naturally, matching the "single serialized
// transaction" consistency contract in spec.md §4.3.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, ddl); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// WithTx runs fn inside a single serialized transaction, committing on
// success and rolling back on error or panic. Every component that mutates
// state (Registry, Group Builder, Orchestrator) goes through this so no
// partial publishes are observable (spec §4.3).
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Query exposes read access for callers that only need a consistent
// snapshot, not a write transaction.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// QueryRow exposes single-row read access.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

// Exec runs a statement outside an explicit transaction (sqlite still
// wraps it in an implicit one). Used for simple, single-statement writes
// where a full WithTx is unnecessary ceremony (e.g. the failure ledger
// sweep).
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, query, args...)
}
