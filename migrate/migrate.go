// Package migrate applies versioned SQL schema files to a database.
//
// Files are named "<version>_<name>.sql" and applied in version order,
// each in its own transaction. Applied versions are recorded per component
// in the schema_migration table so several packages can share one database.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/oriser/regroup"
)

const (
	sqlSchema = `CREATE TABLE IF NOT EXISTS schema_migration (
	component VARCHAR(255) NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (component, version)
)`
	sqlVersions      = `SELECT version FROM schema_migration WHERE component = ?`
	sqlInsertVersion = `INSERT INTO schema_migration (component, version) VALUES (?, ?)`
)

var filenameRe = regroup.MustCompile(`^(?P<Version>\d+)_?(?P<Name>.+)?\.sql$`)

type migration struct {
	Version  int    `regroup:"Version"`
	Name     string `regroup:"Name"`
	Filename string
	Schema   string
}

// Migrator applies the migrations found in one directory of a filesystem.
type Migrator struct {
	db  *sql.DB
	dir string
}

// New ensures the schema_migration table exists.
func New(ctx context.Context, db *sql.DB, dir string) (*Migrator, error) {
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	return &Migrator{db: db, dir: dir}, nil
}

// Migrate applies every migration in fsys not yet recorded for component.
func (m *Migrator) Migrate(ctx context.Context, fsys fs.FS, component string) error {
	migrations, err := m.parse(fsys)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	applied, err := m.versions(ctx, component)
	if err != nil {
		return fmt.Errorf("versions: %v: %w", component, err)
	}

	for _, mg := range migrations {
		if applied[mg.Version] {
			continue
		}

		if err := m.apply(ctx, component, mg); err != nil {
			return fmt.Errorf("migrate: %v: %w", mg.Filename, err)
		}
	}

	return nil
}

func (m *Migrator) parse(fsys fs.FS) ([]*migration, error) {
	entries, err := fs.ReadDir(fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	migrations := make([]*migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		mg := &migration{Filename: entry.Name()}
		if err := filenameRe.MatchToTarget(entry.Name(), mg); err != nil {
			return nil, fmt.Errorf("%v: %w", entry.Name(), err)
		}

		b, err := fs.ReadFile(fsys, path.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %v: %w", entry.Name(), err)
		}
		mg.Schema = string(b)

		migrations = append(migrations, mg)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *Migrator) versions(ctx context.Context, component string) (_ map[int]bool, err error) {
	rows, err := m.db.QueryContext(ctx, sqlVersions, component)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("rows close: %w", cerr)
		}
	}()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		applied[version] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, component string, mg *migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback: %w: %w", rbErr, err)
			}
			return
		}

		if cmErr := tx.Commit(); cmErr != nil {
			err = fmt.Errorf("commit: %w", cmErr)
		}
	}()

	if _, err := tx.ExecContext(ctx, mg.Schema); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sqlInsertVersion, component, mg.Version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}

	return nil
}
