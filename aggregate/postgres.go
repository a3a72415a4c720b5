package aggregate

import (
	"database/sql"
	"time"
)

// postgres reads the storefront's own schema: orders.total is NUMERIC
// and created_at a timestamp.
var postgresDialect = dialect{
	countSince: `SELECT COUNT(*) FROM orders WHERE status IN ` + statusList() + ` AND created_at >= $1`,
	revenueSince: `SELECT COALESCE(SUM(total), 0)::text FROM orders WHERE status IN ` + statusList() +
		` AND created_at >= $1`,
	activeUsers: `SELECT COUNT(*) FROM users WHERE enabled = TRUE`,

	sinceArg:     func(t time.Time) any { return t },
	revenueShift: 0,
}

// NewPostgres returns a Store over an open PostgreSQL handle.
func NewPostgres(db *sql.DB) *Store {
	return &Store{db: db, d: postgresDialect}
}
