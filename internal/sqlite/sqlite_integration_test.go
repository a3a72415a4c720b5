package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "pulse.db")
	ctx := context.Background()

	db, err := NewDB(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if got := db.Path(); got != dbPath {
		t.Errorf("Path() = %s, want %s", got, dbPath)
	}

	if got := db.RW().Stats().MaxOpenConnections; got != 1 {
		t.Errorf("writer MaxOpenConnections = %d, want 1", got)
	}
	if got := db.RO().Stats().MaxOpenConnections; got < 2 || got > 8 {
		t.Errorf("reader MaxOpenConnections = %d, want 2-8", got)
	}

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("PingContext: %v", err)
	}
}

func TestReaderIsQueryOnly(t *testing.T) {
	ctx := context.Background()

	db, err := NewDB(ctx, filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if _, err := db.RW().ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("create via writer: %v", err)
	}

	if _, err := db.RO().ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err == nil {
		t.Fatal("insert via reader succeeded, want query-only error")
	}

	var n int
	if err := db.RO().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("select via reader: %v", err)
	}
}
