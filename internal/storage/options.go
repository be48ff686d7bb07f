package storage

import (
	"strings"
	"time"
)

// Option configures any of the store implementations. Options that do not
// apply to a driver are ignored by it.
type Option interface {
	applyJSON(*JSONStore)
	applySQLite(*sqliteConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json   func(*JSONStore)
	sqlite func(*sqliteConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *JSONStore) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applySQLite(cfg *sqliteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*JSONStore), sqlite func(*sqliteConfig), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, sqlite: sqlite, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func sqliteOnlyOption(sqlite func(*sqliteConfig)) Option {
	return optionAdapter{sqlite: sqlite}
}

// WithClock overrides the time source used for session and API key expiry.
func WithClock(now func() time.Time) Option {
	return composeOption(
		func(s *JSONStore) {
			if now != nil {
				s.now = now
			}
		},
		func(cfg *sqliteConfig) {
			if now != nil {
				cfg.now = now
			}
		},
		func(cfg *PostgresConfig) {
			if now != nil {
				cfg.Clock = now
			}
		},
	)
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return sqliteOnlyOption(func(cfg *sqliteConfig) {
		if timeout > 0 {
			cfg.busyTimeout = timeout
		}
	})
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds both connection acquisition and the first
// statement run on the acquired connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
