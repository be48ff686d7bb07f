package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"monitorhub/internal/storage"
)

const snapshotDoc = `{
  "users": [{"id": "1", "username": "alice", "active": true}],
  "monitors": [
    {"id": "10", "userId": "1", "name": "web", "weight": 2, "type": "http", "url": "https://example.com", "interval": 60, "active": true},
    {"id": "11", "userId": "1", "name": "db", "weight": 5, "type": "port", "interval": 30, "active": true, "hostname": "db.internal"}
  ],
  "settings": {"trustProxy": "true"}
}`

func TestRunImportsSnapshotIntoSQLite(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(snapshotPath, []byte(snapshotDoc), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	dbPath := filepath.Join(dir, "target.db")

	var out bytes.Buffer
	code := run(context.Background(), []string{"-snapshot", snapshotPath, "-sqlite-path", dbPath}, func(string) string { return "" }, &out)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, out.String())
	}

	store, err := storage.NewSQLiteStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close(context.Background())

	monitors, err := store.ListMonitors(context.Background(), "1")
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(monitors) != 2 || monitors[0].ID != "11" || monitors[1].ID != "10" {
		t.Fatalf("unexpected monitors %+v", monitors)
	}
	if value, err := store.Setting(context.Background(), "trustProxy"); err != nil || value != "true" {
		t.Fatalf("expected trustProxy setting, got %q (%v)", value, err)
	}
}

func TestRunRequiresSnapshot(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"-sqlite-path", filepath.Join(t.TempDir(), "x.db")}, func(string) string { return "" }, &out)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
