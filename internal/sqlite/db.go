// Package sqlite provides the persistence layer: linked store
// credentials, the on-disk catalog mirror behind the in-memory cache,
// an audit mirror of gateway-created activations, and key-value
// settings. The authoritative data always lives upstream; this layer
// exists so restarts do not start cold.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"keygate/internal/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps separate reader and writer handles over one SQLite file.
// WAL mode allows many concurrent readers alongside a single writer;
// capping the writer handle at one connection turns write contention
// into queueing instead of SQLITE_BUSY errors.
type DB struct {
	reader *sql.DB
	writer *sql.DB
}

// Open opens the database file, applies connection pragmas, and brings
// the schema up to the supported version.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}
	maxReaders := cfg.MaxReaders
	if maxReaders < 1 {
		maxReaders = 1
	}
	reader.SetMaxOpenConns(maxReaders)

	db := &DB{reader: reader, writer: writer}

	if err := db.writer.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Recommended by sqlite.org for long-lived connections.
	if _, err := db.writer.ExecContext(ctx, "PRAGMA optimize = 0x10002"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run optimize pragma: %w", err)
	}

	return db, nil
}

// Close closes both handles.
func (db *DB) Close() error {
	var errs []error
	if err := db.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("reader close: %w", err))
	}
	if err := db.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("writer close: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Ping verifies both handles are usable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("reader ping: %w", err)
	}
	return db.writer.PingContext(ctx)
}

// withTx runs fn inside a write transaction.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nowUnixMilli exists so tests can pin time.
var nowUnixMilli = func() int64 {
	return time.Now().UnixMilli()
}
