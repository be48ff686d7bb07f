// Command server runs the monitorhub realtime delivery server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"monitorhub/internal/config"
	"monitorhub/internal/observability/logging"
	"monitorhub/internal/server"
)

type options struct {
	sources         config.Sources
	refreshInterval time.Duration
}

func parseFlags(args []string, getenv func(string) string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)

	var ex config.Config
	configPath := fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&ex.Addr, "addr", "", "listen address")
	mode := fs.String("mode", "", "runtime mode (development or production)")
	fs.StringVar(&ex.DataDir, "data-dir", "", "directory holding error.log and default datastores")
	fs.StringVar(&ex.ShellPath, "shell", "", "path to the dashboard shell document")
	fs.StringVar(&ex.TLS.KeyFile, "ssl-key", "", "path to the TLS private key")
	fs.StringVar(&ex.TLS.CertFile, "ssl-cert", "", "path to the TLS certificate")
	fs.StringVar(&ex.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&ex.LogFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&ex.Storage.Driver, "storage-driver", "", "datastore driver (sqlite, postgres or json)")
	fs.StringVar(&ex.Storage.SQLitePath, "sqlite-path", "", "SQLite database path")
	fs.StringVar(&ex.Storage.JSONPath, "json-path", "", "JSON datastore path")
	fs.StringVar(&ex.Storage.Postgres.DSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&ex.Relay.Driver, "relay-driver", "", "room relay driver (memory or redis)")
	fs.StringVar(&ex.Relay.Redis.Addr, "redis-addr", "", "Redis address for the room relay")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses for the room relay")
	fs.StringVar(&ex.Relay.Redis.Password, "redis-password", "", "Redis password for the room relay")
	fs.StringVar(&ex.Relay.Redis.MasterName, "redis-sentinel-master", "", "Redis sentinel master name")
	fs.StringVar(&ex.Relay.Redis.Stream, "redis-stream", "", "Redis stream carrying room emissions")
	fs.DurationVar(&ex.HeartbeatInterval, "heartbeat", 0, "websocket ping interval")
	fs.Float64Var(&ex.UpgradeRate, "upgrade-rate", 0, "websocket upgrades per second allowed per client address")
	fs.IntVar(&ex.UpgradeBurst, "upgrade-burst", 0, "websocket upgrade burst per client address")
	fs.DurationVar(&ex.Outbound.DNSCacheTTL, "dns-cache-ttl", 0, "outbound DNS cache lifetime")
	refresh := fs.Duration("refresh-interval", 0, "periodic monitor list refresh for every room (0 disables)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	ex.Mode = config.Mode(strings.TrimSpace(*mode))
	ex.Relay.Redis.Addrs = splitAndTrim(*redisAddrs)

	opts := options{
		sources: config.Sources{
			Explicit: ex,
			File:     firstNonEmpty(*configPath, getenv("MONITORHUB_CONFIG")),
			Getenv:   getenv,
		},
		refreshInterval: *refresh,
	}
	if opts.refreshInterval == 0 {
		if raw := strings.TrimSpace(getenv("MONITORHUB_REFRESH_INTERVAL")); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return options{}, fmt.Errorf("invalid MONITORHUB_REFRESH_INTERVAL %q: %w", raw, err)
			}
			opts.refreshInterval = parsed
		}
	}
	return opts, nil
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

// run returns the process exit status: 0 on clean shutdown, 1 on a fatal
// startup or serve error, 2 on bad flags.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Resolve(opts.sources)
	if err != nil {
		logger := logging.New(logging.Config{Level: getenv("MONITORHUB_LOG_LEVEL"), Writer: stdout})
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: stdout})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.GetInstance(ctx, server.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("failed to start server", "error", err)
		return 1
	}

	stopRefresh := startRefreshWorker(ctx, logging.WithComponent(logger, "refresher"), srv.Hub(), opts.refreshInterval)
	defer stopRefresh()

	logger.Info("monitorhub starting", "addr", cfg.Addr, "mode", cfg.Mode, "scheme", srv.Transport().Scheme())
	if err := srv.Run(ctx); err != nil {
		srv.Journal().Record(err, false)
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	logger.Info("monitorhub stopped")
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
