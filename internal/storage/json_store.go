package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"monitorhub/internal/models"
)

// JSONStore keeps every record in memory and rewrites a single JSON document
// on each mutation. It suits development and tests.
type JSONStore struct {
	mu       sync.RWMutex
	filePath string
	now      func() time.Time

	users    map[string]models.User
	monitors map[string]models.Monitor
	settings map[string]string
	sessions map[string]models.Session
	apiKeys  map[string]models.APIKey
}

// NewJSONStore loads path, creating its directory when needed. A missing file
// starts an empty store.
func NewJSONStore(path string, opts ...Option) (*JSONStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json store path required")
	}
	store := &JSONStore{filePath: path, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	snapshot := Snapshot{}
	file, err := os.Open(s.filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("open store file: %w", err)
	default:
		defer file.Close()
		snapshot, err = decodeSnapshot(file)
		if err != nil {
			return err
		}
	}

	s.users = make(map[string]models.User, len(snapshot.Users))
	for _, user := range snapshot.Users {
		s.users[user.ID] = user
	}
	s.monitors = make(map[string]models.Monitor, len(snapshot.Monitors))
	for _, monitor := range snapshot.Monitors {
		s.monitors[monitor.ID] = monitor.Monitor
	}
	s.settings = make(map[string]string, len(snapshot.Settings))
	for key, value := range snapshot.Settings {
		s.settings[key] = value
	}
	s.sessions = make(map[string]models.Session, len(snapshot.Sessions))
	for _, session := range snapshot.Sessions {
		s.sessions[session.TokenHash] = session
	}
	s.apiKeys = make(map[string]models.APIKey, len(snapshot.APIKeys))
	for _, key := range snapshot.APIKeys {
		s.apiKeys[key.ID] = key
	}
	return nil
}

func (s *JSONStore) snapshotLocked() Snapshot {
	snapshot := Snapshot{Settings: make(map[string]string, len(s.settings))}
	for _, user := range s.users {
		snapshot.Users = append(snapshot.Users, user)
	}
	sort.Slice(snapshot.Users, func(i, j int) bool { return snapshot.Users[i].ID < snapshot.Users[j].ID })
	for _, monitor := range s.monitors {
		snapshot.Monitors = append(snapshot.Monitors, models.StoredMonitor{Monitor: monitor})
	}
	sort.Slice(snapshot.Monitors, func(i, j int) bool { return snapshot.Monitors[i].ID < snapshot.Monitors[j].ID })
	for key, value := range s.settings {
		snapshot.Settings[key] = value
	}
	for _, session := range s.sessions {
		snapshot.Sessions = append(snapshot.Sessions, session)
	}
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].TokenHash < snapshot.Sessions[j].TokenHash })
	for _, key := range s.apiKeys {
		snapshot.APIKeys = append(snapshot.APIKeys, key)
	}
	sort.Slice(snapshot.APIKeys, func(i, j int) bool { return snapshot.APIKeys[i].ID < snapshot.APIKeys[j].ID })
	return snapshot
}

// persistLocked replaces the store file atomically through a temp file.
func (s *JSONStore) persistLocked() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.snapshotLocked()); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *JSONStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *JSONStore) Close(context.Context) error {
	return nil
}

func (s *JSONStore) ListMonitors(ctx context.Context, userID string) ([]models.Monitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	monitors := make([]models.Monitor, 0)
	for _, monitor := range s.monitors {
		if monitor.UserID == userID {
			monitors = append(monitors, cloneMonitor(monitor))
		}
	}
	sort.Slice(monitors, func(i, j int) bool { return models.Less(monitors[i], monitors[j]) })
	return monitors, nil
}

func (s *JSONStore) Setting(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *JSONStore) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (s *JSONStore) SessionByTokenHash(ctx context.Context, hash string) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[hash]
	if !ok || session.Expired(s.now()) {
		return models.Session{}, ErrNotFound
	}
	return session, nil
}

func (s *JSONStore) GetAPIKey(ctx context.Context, id string) (models.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return models.APIKey{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return models.APIKey{}, ErrNotFound
	}
	return key, nil
}

func (s *JSONStore) UpsertUser(ctx context.Context, user models.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user id is required")
	}
	return s.mutate(ctx, func() { s.users[user.ID] = user })
}

func (s *JSONStore) UpsertMonitor(ctx context.Context, monitor models.Monitor) error {
	if strings.TrimSpace(monitor.ID) == "" {
		return errors.New("monitor id is required")
	}
	if strings.TrimSpace(monitor.UserID) == "" {
		return errors.New("monitor owner is required")
	}
	return s.mutate(ctx, func() { s.monitors[monitor.ID] = cloneMonitor(monitor) })
}

func (s *JSONStore) DeleteMonitor(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.monitors[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return s.mutate(ctx, func() { delete(s.monitors, id) })
}

func (s *JSONStore) PutSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	return s.mutate(ctx, func() { s.settings[key] = value })
}

func (s *JSONStore) PutSession(ctx context.Context, session models.Session) error {
	if strings.TrimSpace(session.TokenHash) == "" {
		return errors.New("session token hash is required")
	}
	return s.mutate(ctx, func() { s.sessions[session.TokenHash] = session })
}

func (s *JSONStore) PutAPIKey(ctx context.Context, key models.APIKey) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("api key id is required")
	}
	return s.mutate(ctx, func() { s.apiKeys[key.ID] = key })
}

// mutate applies change and persists; the in-memory state is rolled back when
// the write fails.
func (s *JSONStore) mutate(ctx context.Context, change func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.snapshotLocked()
	change()
	if err := s.persistLocked(); err != nil {
		s.restoreLocked(previous)
		return err
	}
	return nil
}

func (s *JSONStore) restoreLocked(snapshot Snapshot) {
	s.users = make(map[string]models.User, len(snapshot.Users))
	for _, user := range snapshot.Users {
		s.users[user.ID] = user
	}
	s.monitors = make(map[string]models.Monitor, len(snapshot.Monitors))
	for _, monitor := range snapshot.Monitors {
		s.monitors[monitor.ID] = monitor.Monitor
	}
	s.settings = snapshot.Settings
	s.sessions = make(map[string]models.Session, len(snapshot.Sessions))
	for _, session := range snapshot.Sessions {
		s.sessions[session.TokenHash] = session
	}
	s.apiKeys = make(map[string]models.APIKey, len(snapshot.APIKeys))
	for _, key := range snapshot.APIKeys {
		s.apiKeys[key.ID] = key
	}
}

func cloneMonitor(monitor models.Monitor) models.Monitor {
	if monitor.Extra == nil {
		return monitor
	}
	extra := make(map[string]json.RawMessage, len(monitor.Extra))
	for key, value := range monitor.Extra {
		extra[key] = append(json.RawMessage(nil), value...)
	}
	monitor.Extra = extra
	return monitor
}
