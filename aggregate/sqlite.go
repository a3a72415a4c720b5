package aggregate

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/cloudbox/pulse/internal/sqlite"
	"github.com/cloudbox/pulse/migrate"
)

//go:embed migrations
var migrations embed.FS

// sqlite stores created_at as unix seconds and totals in cents.
var sqliteDialect = dialect{
	countSince: `SELECT COUNT(*) FROM orders WHERE status IN ` + statusList() + ` AND created_at >= ?`,
	revenueSince: `SELECT COALESCE(SUM(total_cents), 0) FROM orders WHERE status IN ` + statusList() +
		` AND created_at >= ?`,
	activeUsers: `SELECT COUNT(*) FROM users WHERE enabled = 1`,

	sinceArg:     func(t time.Time) any { return t.Unix() },
	revenueShift: -2,
}

// NewSQLite migrates the embedded schema and returns a Store reading
// through the read-only pool.
func NewSQLite(ctx context.Context, db *sqlite.DB) (*Store, error) {
	mg, err := migrate.New(ctx, db.RW(), "migrations")
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}

	if err := mg.Migrate(ctx, migrations, "aggregate"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db.RO(), d: sqliteDialect}, nil
}
