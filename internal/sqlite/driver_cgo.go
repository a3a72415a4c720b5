//go:build cgo

package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3_pulse"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if _, err := conn.Exec("PRAGMA temp_store=MEMORY", nil); err != nil {
				return fmt.Errorf("temp_store: %w", err)
			}
			return nil
		},
	})
}

// dsn builds a mattn/go-sqlite3 connection string.
// https://github.com/mattn/go-sqlite3#connection-string
func dsn(dbPath string, writable bool) string {
	params := url.Values{}
	params.Set("_mutex", "no")
	params.Set("cache", "private")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "ON")
	params.Set("_busy_timeout", "1000")

	if writable {
		params.Set("_journal_mode", "WAL")
		params.Set("_txlock", "immediate")
		params.Set("mode", "rwc")
	} else {
		params.Set("_query_only", "ON")
		params.Set("mode", "ro")
	}

	return "file:" + dbPath + "?" + params.Encode()
}

func open(dbPath string, writable bool) (*sql.DB, error) {
	return sql.Open(driverName, dsn(dbPath, writable))
}
