// Package sqlite opens the embedded aggregate database with one writer
// handle and a pool of read-only handles.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DB pairs a single-connection writer with a read-only pool on the same file.
type DB struct {
	ro   *sql.DB
	rw   *sql.DB
	path string
}

// NewDB opens (or creates) the database at dbPath.
func NewDB(ctx context.Context, dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	rw, err := open(dbPath, true)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	// the writer creates the file and switches it to WAL before any reader opens it
	if err := rw.PingContext(ctx); err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	ro, err := open(dbPath, false)
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	// SQLite has a single writer.
	rw.SetMaxOpenConns(1)
	rw.SetMaxIdleConns(1)

	readers := readerCount()
	ro.SetMaxOpenConns(readers)
	ro.SetMaxIdleConns(readers)

	return &DB{ro: ro, rw: rw, path: dbPath}, nil
}

// readerCount keeps between 2 and 8 reader connections depending on CPUs.
func readerCount() int {
	return min(max(runtime.NumCPU(), 2), 8)
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// RO returns the read-only pool.
func (db *DB) RO() *sql.DB {
	return db.ro
}

// RW returns the writer.
func (db *DB) RW() *sql.DB {
	return db.rw
}

// PingContext checks the writer. Pinging a reader could attempt WAL setup,
// which a query-only connection is not allowed to do.
func (db *DB) PingContext(ctx context.Context) error {
	if err := db.rw.PingContext(ctx); err != nil {
		return fmt.Errorf("ping writer: %w", err)
	}
	return nil
}

// Close closes both handles.
func (db *DB) Close() error {
	_ = db.ro.Close()
	if err := db.rw.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
