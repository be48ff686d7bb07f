package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"monitorhub/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS monitors (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	weight INTEGER NOT NULL DEFAULT 2000,
	type TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 60,
	active INTEGER NOT NULL DEFAULT 1,
	extra TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_monitors_user_order ON monitors(user_id, weight DESC, name);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	hash TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER NOT NULL DEFAULT 0
);
`

type sqliteConfig struct {
	busyTimeout time.Duration
	now         func() time.Time
}

// SQLiteStore is the default store, backed by a single database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	cfg := sqliteConfig{busyTimeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}
	return &SQLiteStore{db: db, now: cfg.now}, nil
}

func sqliteDSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + params.Encode()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) ListMonitors(ctx context.Context, userID string) ([]models.Monitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, weight, type, url, interval_seconds, active, extra
		FROM monitors
		WHERE user_id = ?
		ORDER BY weight DESC, name ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	monitors := make([]models.Monitor, 0)
	for rows.Next() {
		var (
			monitor models.Monitor
			active  int
			extra   string
		)
		if err := rows.Scan(&monitor.ID, &monitor.UserID, &monitor.Name, &monitor.Weight, &monitor.Type, &monitor.URL, &monitor.Interval, &active, &extra); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		monitor.Active = active != 0
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

func (s *SQLiteStore) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		user   models.User
		active int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, active FROM users WHERE id = ?`, id).Scan(&user.ID, &user.Username, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	user.Active = active != 0
	return user, nil
}

func (s *SQLiteStore) SessionByTokenHash(ctx context.Context, hash string) (models.Session, error) {
	var (
		session models.Session
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT token_hash, user_id, expires_at FROM sessions WHERE token_hash = ?`, hash).Scan(&session.TokenHash, &session.UserID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("query session: %w", err)
	}
	session.ExpiresAt = fromUnix(expires)
	if session.Expired(s.now()) {
		return models.Session{}, ErrNotFound
	}
	return session, nil
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (models.APIKey, error) {
	var (
		key     models.APIKey
		active  int
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, hash, active, expires_at FROM api_keys WHERE id = ?`, id).Scan(&key.ID, &key.UserID, &key.Hash, &active, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return models.APIKey{}, ErrNotFound
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("query api key: %w", err)
	}
	key.Active = active != 0
	key.ExpiresAt = fromUnix(expires)
	return key, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user models.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, active = excluded.active
	`, user.ID, user.Username, boolInt(user.Active))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertMonitor(ctx context.Context, monitor models.Monitor) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitors (id, user_id, name, weight, type, url, interval_seconds, active, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			weight = excluded.weight,
			type = excluded.type,
			url = excluded.url,
			interval_seconds = excluded.interval_seconds,
			active = excluded.active,
			extra = excluded.extra
	`, monitor.ID, monitor.UserID, monitor.Name, monitor.Weight, monitor.Type, monitor.URL, monitor.Interval, boolInt(monitor.Active), string(extra))
	if err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMonitor(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, session models.Session) error {
	if strings.TrimSpace(session.TokenHash) == "" {
		return errors.New("session token hash is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at
	`, session.TokenHash, session.UserID, toUnix(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutAPIKey(ctx context.Context, key models.APIKey) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("api key id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, hash, active, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			hash = excluded.hash,
			active = excluded.active,
			expires_at = excluded.expires_at
	`, key.ID, key.UserID, key.Hash, boolInt(key.Active), toUnix(key.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}

func encodeExtra(extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode monitor extra fields: %w", err)
	}
	return encoded, nil
}

func decodeExtra(data []byte) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return nil, nil
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("decode extra fields: %w", err)
	}
	return extra, nil
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
