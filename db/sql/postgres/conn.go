package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

var (
	ErrMissingDSN   = errors.New("postgres: DSN is required")
	ErrNotConnected = errors.New("postgres: store is not connected")
)

// OpenContext connects to PostgreSQL using the provided options, applies pool
// settings and verifies the connection with a ping bound to ctx.
func OpenContext(ctx context.Context, opts ...Option) (*sql.DB, error) {
	return open(ctx, resolveOptions(opts))
}

func open(ctx context.Context, cfg Options) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return db, nil
}
