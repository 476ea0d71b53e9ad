package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger transactions are short row-locked writes; a modest pool with quick
// idle reaping keeps lock queues shallow under bursts of credits.
const (
	minPoolConns    = 4
	poolIdleTimeout = 5 * time.Minute
	connectTimeout  = 5 * time.Second
)

// NewPostgresPool configures and returns the connection pool backing the
// wallet, ledger and withdrawal tables.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns < minPoolConns {
		cfg.MaxConns = minPoolConns
	}
	cfg.MaxConnIdleTime = poolIdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}
