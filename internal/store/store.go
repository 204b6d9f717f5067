// Package store wraps the daemon's single embedded relational database.
// It owns the one writable *sql.DB connection, enforces WAL and foreign-key
// pragmas on open, and exposes the narrow execute/fetch surface every
// registry builds on. There is no ORM here: rows come back as
// string-keyed records so callers stay in control of their own SQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gobby-dev/gobbyd/internal/logging"
)

// Store is the single-writer embedded relational database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger logging.Logger
}

// Open creates (if needed) the parent directory and opens the SQLite
// database at path with WAL journaling and foreign-key enforcement.
func Open(path string, logger logging.Logger) (*Store, error) {
	logger = logging.OrNop(logger)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite has exactly one writer; WAL still allows concurrent readers,
	// but we never prepare statements across processes so one pooled
	// connection keeps writes serialized without us hand-rolling a mutex.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	logger.Info("opened database at %s", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database file.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying *sql.DB for components (e.g. the migrator) that
// need to open their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Record is a single string-keyed row, the shape every Fetch* returns.
type Record map[string]any

// Execute runs a non-query statement and returns the number of rows affected.
func (s *Store) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("store: execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return n, nil
}

// FetchOne returns the first matching row, or (nil, nil) if there is none.
func (s *Store) FetchOne(ctx context.Context, stmt string, args ...any) (Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetchone: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

// FetchAll returns every matching row.
func (s *Store) FetchAll(ctx context.Context, stmt string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetchall: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Callers that need atomic multi-statement writes
// (the single place the Store's "single writer" rule is actually enforced
// end-to-end) use this instead of sequential Execute calls.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: columns: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}

	rec := make(Record, len(cols))
	for i, c := range cols {
		switch v := vals[i].(type) {
		case []byte:
			rec[c] = string(v)
		default:
			rec[c] = v
		}
	}
	return rec, nil
}
