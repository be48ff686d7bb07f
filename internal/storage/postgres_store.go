package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"monitorhub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes how the store initialises its connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:            dsn,
		MinConnections: -1,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS monitors (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	weight INTEGER NOT NULL DEFAULT 2000,
	type TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 60,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	extra JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_monitors_user_order ON monitors(user_id, weight DESC, name COLLATE "C");

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at BIGINT NOT NULL DEFAULT 0
);
`

// PostgresStore serves the repository from a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens a pool against dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, cfg: cfg}
	if err := store.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, postgresSchema)
		return err
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	return store, nil
}

// withConn acquires a pooled connection honouring the acquire timeout.
func (s *PostgresStore) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close waits for the pool to shut down or ctx to expire.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) ListMonitors(ctx context.Context, userID string) ([]models.Monitor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, weight, type, url, interval_seconds, active, extra::text
		FROM monitors
		WHERE user_id = $1
		ORDER BY weight DESC, name COLLATE "C" ASC, id COLLATE "C" ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	monitors := make([]models.Monitor, 0)
	for rows.Next() {
		var (
			monitor models.Monitor
			extra   string
		)
		if err := rows.Scan(&monitor.ID, &monitor.UserID, &monitor.Name, &monitor.Weight, &monitor.Type, &monitor.URL, &monitor.Interval, &monitor.Active, &extra); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		if monitor.Extra, err = decodeExtra([]byte(extra)); err != nil {
			return nil, fmt.Errorf("monitor %s: %w", monitor.ID, err)
		}
		monitors = append(monitors, monitor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitors: %w", err)
	}
	return monitors, nil
}

func (s *PostgresStore) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username, active FROM users WHERE id = $1`, id).Scan(&user.ID, &user.Username, &user.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) SessionByTokenHash(ctx context.Context, hash string) (models.Session, error) {
	var (
		session models.Session
		expires int64
	)
	err := s.pool.QueryRow(ctx, `SELECT token_hash, user_id, expires_at FROM sessions WHERE token_hash = $1`, hash).Scan(&session.TokenHash, &session.UserID, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("query session: %w", err)
	}
	session.ExpiresAt = fromUnix(expires)
	if session.Expired(s.cfg.Clock()) {
		return models.Session{}, ErrNotFound
	}
	return session, nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (models.APIKey, error) {
	var (
		key     models.APIKey
		expires int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, hash, active, expires_at FROM api_keys WHERE id = $1`, id).Scan(&key.ID, &key.UserID, &key.Hash, &key.Active, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, ErrNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("query api key: %w", err)
	}
	key.ExpiresAt = fromUnix(expires)
	return key, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user models.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, active = EXCLUDED.active
	`, user.ID, user.Username, user.Active)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMonitor(ctx context.Context, monitor models.Monitor) error {
	if strings.TrimSpace(monitor.ID) == "" {
		return errors.New("monitor id is required")
	}
	if strings.TrimSpace(monitor.UserID) == "" {
		return errors.New("monitor owner is required")
	}
	extra, err := encodeExtra(monitor.Extra)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO monitors (id, user_id, name, weight, type, url, interval_seconds, active, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			weight = EXCLUDED.weight,
			type = EXCLUDED.type,
			url = EXCLUDED.url,
			interval_seconds = EXCLUDED.interval_seconds,
			active = EXCLUDED.active,
			extra = EXCLUDED.extra
	`, monitor.ID, monitor.UserID, monitor.Name, monitor.Weight, monitor.Type, monitor.URL, monitor.Interval, monitor.Active, string(extra))
	if err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMonitor(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutSession(ctx context.Context, session models.Session) error {
	if strings.TrimSpace(session.TokenHash) == "" {
		return errors.New("session token hash is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, session.TokenHash, session.UserID, toUnix(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutAPIKey(ctx context.Context, key models.APIKey) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("api key id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, hash, active, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			hash = EXCLUDED.hash,
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at
	`, key.ID, key.UserID, key.Hash, key.Active, toUnix(key.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}
