// Package storage is the Postgres side of the pipeline: jobs, dead letters, credentials,
// migrations and the scheduler's leader lock.
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/config"
)

// DB is a pgx pool exposed through database/sql so that tenant sessions can be plain *sql.Tx.
type DB struct {
	*sql.DB
	pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg config.Postgres) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "storage: parse dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "storage: connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: ping")
	}
	return &DB{DB: stdlib.OpenDBFromPool(pool), pool: pool}, nil
}

func (d *DB) Close() error {
	err := d.DB.Close()
	d.pool.Close()
	return err
}
