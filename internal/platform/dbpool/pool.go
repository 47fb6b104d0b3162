package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pairtask/project/internal/platform/config"
)

func New(ctx context.Context, databaseURL string, db config.DBConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	cfg.MinConns = int32(db.MinConns)
	cfg.MaxConns = int32(db.MaxConns)
	cfg.MaxConnLifetime = db.MaxConnLifetime
	cfg.MaxConnIdleTime = db.MaxConnIdleTime
	cfg.HealthCheckPeriod = db.HealthCheckPeriod

	return pgxpool.NewWithConfig(ctx, cfg)
}
