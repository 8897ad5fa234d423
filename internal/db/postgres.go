// Package db opens the Postgres pool used by every examhub service. Queries
// live in the services themselves; this package only owns connection tuning.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pingTimeout = 5 * time.Second

// PoolConfig tunes the database/sql pool. Zero values fall back to defaults
// sized for exam-start bursts at period boundaries.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// Open connects with default pool settings. Integration tests use this.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return OpenWithPool(ctx, dsn, PoolConfig{})
}

// OpenWithPool connects via the pgx stdlib driver, applies pool tuning and
// verifies the connection before returning.
func OpenWithPool(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	cfg = cfg.withDefaults()
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}
