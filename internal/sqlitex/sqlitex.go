// Package sqlitex is a thin wrapper around database/sql for the
// mattn/go-sqlite3 driver: it applies the depot's standard pragmas on open
// and exposes Exec/Query/BeginTx without any knowledge of depot's schema.
//
// Adapted from _examples/gloudx-ues/sqlite/sqlite.go (same shape: Options
// struct, pragma application, thin Tx wrapper), rewritten for the
// mattn/go-sqlite3 driver depot actually links (the teacher's default driver
// name "sqlite" targets a CGO-free driver that isn't in this module's
// dependency set).
package sqlitex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures the pragmas applied when opening the database.
type Options struct {
	// JournalMode, empty defaults to WAL.
	JournalMode string
	// Synchronous, empty defaults to NORMAL.
	Synchronous string
	// BusyTimeout, zero defaults to 5s.
	BusyTimeout time.Duration
	// ForeignKeys, nil defaults to true.
	ForeignKeys *bool
}

// DB is a thin wrapper over *sql.DB.
type DB struct {
	db *sql.DB
}

// Open opens path with the mattn/go-sqlite3 driver and applies opts' pragmas.
func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, errors.New("sqlitex: empty path")
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer datastore; avoids SQLITE_BUSY under WAL

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}
	if opts.ForeignKeys == nil || *opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitex: apply %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitex: ping: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a statement with no result rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query runs a statement returning rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx opens a new transaction.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// Underlying exposes the raw *sql.DB for callers that need it (migrations,
// health checks).
func (d *DB) Underlying() *sql.DB {
	return d.db
}
