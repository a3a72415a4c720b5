//go:build !cgo

package sqlite

import (
	"database/sql"
	"net/url"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverName = "sqlite3"

// dsn builds a ncruces/go-sqlite3 connection string. Pragmas are passed
// as repeated _pragma parameters.
// https://pkg.go.dev/github.com/ncruces/go-sqlite3/driver
func dsn(dbPath string, writable bool) string {
	params := url.Values{}
	params.Set("cache", "private")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	params.Add("_pragma", "busy_timeout(1000)")
	params.Add("_pragma", "temp_store(MEMORY)")

	if writable {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Set("_txlock", "immediate")
		params.Set("mode", "rwc")
	} else {
		params.Add("_pragma", "query_only(ON)")
		params.Set("mode", "ro")
	}

	return "file:" + dbPath + "?" + params.Encode()
}

func open(dbPath string, writable bool) (*sql.DB, error) {
	return sql.Open(driverName, dsn(dbPath, writable))
}
