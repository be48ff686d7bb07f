package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"monitorhub/internal/models"
)

// Snapshot is the portable document form of a store. The JSON driver persists
// exactly this shape and the import tool replays it into any Writer.
type Snapshot struct {
	Users    []models.User          `json:"users"`
	Monitors []models.StoredMonitor `json:"monitors"`
	Settings map[string]string      `json:"settings"`
	Sessions []models.Session       `json:"sessions"`
	APIKeys  []models.APIKey        `json:"apiKeys"`
}

type SnapshotCounts struct {
	Users    int
	Monitors int
	Settings int
	Sessions int
	APIKeys  int
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Users:    len(s.Users),
		Monitors: len(s.Monitors),
		Settings: len(s.Settings),
		Sessions: len(s.Sessions),
		APIKeys:  len(s.APIKeys),
	}
}

// LoadSnapshotFromJSON decodes a snapshot document. An empty file yields an
// empty snapshot.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()
	return decodeSnapshot(file)
}

func decodeSnapshot(r io.Reader) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// ImportSnapshot writes every record of snapshot through w. Records are
// upserted so repeated imports converge.
func ImportSnapshot(ctx context.Context, w Writer, snapshot Snapshot) error {
	for _, user := range snapshot.Users {
		if err := w.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}
	for _, monitor := range snapshot.Monitors {
		if err := w.UpsertMonitor(ctx, monitor.Monitor); err != nil {
			return fmt.Errorf("import monitor %s: %w", monitor.ID, err)
		}
	}
	for key, value := range snapshot.Settings {
		if err := w.PutSetting(ctx, key, value); err != nil {
			return fmt.Errorf("import setting %s: %w", key, err)
		}
	}
	for _, session := range snapshot.Sessions {
		if err := w.PutSession(ctx, session); err != nil {
			return fmt.Errorf("import session for user %s: %w", session.UserID, err)
		}
	}
	for _, key := range snapshot.APIKeys {
		if err := w.PutAPIKey(ctx, key); err != nil {
			return fmt.Errorf("import api key %s: %w", key.ID, err)
		}
	}
	return nil
}
