// Package database opens the storefront's PostgreSQL database.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Postgres exposes a pgx connection pool through database/sql.
type Postgres struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// Connect creates the pool and verifies the database is reachable.
func Connect(ctx context.Context, cfg Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}, nil
}

// DB returns the database/sql handle backed by the pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// PingContext verifies the connection is healthy.
func (p *Postgres) PingContext(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the handle and the pool beneath it.
func (p *Postgres) Close() error {
	err := p.db.Close()
	p.pool.Close()
	return err
}
