package storage

import (
	"context"
	"fmt"

	"monitorhub/internal/config"
)

// Open constructs the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case config.StorageJSON:
		return NewJSONStore(cfg.JSONPath, opts...)
	case config.StorageSQLite, "":
		return NewSQLiteStore(ctx, cfg.SQLitePath, opts...)
	case config.StoragePostgres:
		pg := cfg.Postgres
		pgOpts := append([]Option{
			WithPostgresPoolLimits(pg.MaxConns, pg.MinConns),
			WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdleTime, pg.HealthCheck),
			WithPostgresAcquireTimeout(pg.AcquireTimeout),
			WithPostgresApplicationName(pg.ApplicationName),
		}, opts...)
		return NewPostgresStore(ctx, pg.DSN, pgOpts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
