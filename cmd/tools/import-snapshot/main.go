// Command import-snapshot replays a JSON snapshot into a monitorhub datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"monitorhub/internal/config"
	"monitorhub/internal/storage"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Getenv, os.Stdout))
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) int {
	fs := flag.NewFlagSet("import-snapshot", flag.ContinueOnError)
	fs.SetOutput(stdout)
	snapshotPath := fs.String("snapshot", "", "path to the JSON snapshot to import")
	var target config.StorageConfig
	fs.StringVar(&target.Driver, "storage-driver", "", "target driver (sqlite, postgres or json)")
	fs.StringVar(&target.SQLitePath, "sqlite-path", "", "target SQLite database path")
	fs.StringVar(&target.JSONPath, "json-path", "", "target JSON datastore path")
	fs.StringVar(&target.Postgres.DSN, "postgres-dsn", "", "target Postgres connection string")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if target.Postgres.DSN == "" {
		target.Postgres.DSN = firstNonEmpty(getenv("MONITORHUB_POSTGRES_DSN"), getenv("DATABASE_URL"))
	}
	if target.Driver == "" {
		switch {
		case target.Postgres.DSN != "":
			target.Driver = config.StoragePostgres
		case target.JSONPath != "":
			target.Driver = config.StorageJSON
		default:
			target.Driver = config.StorageSQLite
		}
	}
	if target.Driver == config.StorageSQLite && target.SQLitePath == "" {
		logger.Error("sqlite target requires a path", "hint", "set --sqlite-path")
		return 1
	}
	if strings.TrimSpace(*snapshotPath) == "" {
		logger.Error("snapshot path required", "hint", "set --snapshot")
		return 1
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*snapshotPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		return 1
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *snapshotPath, "users", counts.Users, "monitors", counts.Monitors)

	store, err := storage.Open(ctx, target)
	if err != nil {
		logger.Error("failed to open target datastore", "driver", target.Driver, "error", err)
		return 1
	}
	defer func() { _ = store.Close(context.Background()) }()

	if err := storage.ImportSnapshot(ctx, store, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		return 1
	}
	if err := verifyMonitors(ctx, store, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		return 1
	}

	logger.Info("import completed",
		"driver", target.Driver,
		"users", counts.Users,
		"monitors", counts.Monitors,
		"settings", counts.Settings,
		"sessions", counts.Sessions,
		"api_keys", counts.APIKeys)
	return 0
}

// verifyMonitors checks every imported owner lists at least the monitors the
// snapshot holds for it.
func verifyMonitors(ctx context.Context, repo storage.Repository, snapshot storage.Snapshot) error {
	expected := make(map[string]int)
	for _, monitor := range snapshot.Monitors {
		expected[monitor.UserID]++
	}
	owners := make([]string, 0, len(expected))
	for owner := range expected {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		listed, err := repo.ListMonitors(ctx, owner)
		if err != nil {
			return fmt.Errorf("list monitors for user %s: %w", owner, err)
		}
		if len(listed) < expected[owner] {
			return fmt.Errorf("mismatch for user %s: expected %d monitors, got %d", owner, expected[owner], len(listed))
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
