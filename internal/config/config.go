// Package config resolves the process configuration once at startup.
//
// Every field follows the same precedence chain: explicit value (command line)
// > YAML config file > MONITORHUB_* environment variable > legacy environment
// variable > built-in default. Resolve validates the result before returning so
// callers never act on partial configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// IsDevelopment reports whether missing optional assets should be tolerated.
func (m Mode) IsDevelopment() bool {
	return m == ModeDevelopment
}

// ParseMode maps a deployment label onto a Mode. Only "development" and
// "dev" select development; staging, test and any other label run with
// production strictness.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development", "dev":
		return ModeDevelopment
	default:
		return ModeProduction
	}
}

const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageJSON     = "json"

	RelayMemory = "memory"
	RelayRedis  = "redis"
)

const (
	DefaultAddr              = ":3001"
	DefaultDataDir           = "./data/"
	DefaultShellPath         = "dist/index.html"
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultDNSCacheTTL       = 60 * time.Second
	DefaultUpgradeRate       = 5
	DefaultUpgradeBurst      = 10
	DefaultRelayStream       = "monitorhub:rooms"
)

var (
	// ErrPartialTLS reports that only one of the key and certificate paths was set.
	ErrPartialTLS    = errors.New("config: tls key and certificate must be provided together")
	ErrUnknownDriver = errors.New("config: unknown driver")
)

type TLSConfig struct {
	KeyFile  string `yaml:"keyFile"`
	CertFile string `yaml:"certFile"`
}

// Enabled reports whether both halves of the TLS material are configured.
func (t TLSConfig) Enabled() bool {
	return t.KeyFile != "" && t.CertFile != ""
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
	HealthCheck     time.Duration `yaml:"healthCheckPeriod"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
	ApplicationName string        `yaml:"applicationName"`
}

type StorageConfig struct {
	Driver     string         `yaml:"driver"`
	SQLitePath string         `yaml:"sqlitePath"`
	JSONPath   string         `yaml:"jsonPath"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr       string   `yaml:"addr"`
	Addrs      []string `yaml:"addrs"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	MasterName string   `yaml:"masterName"`
	Stream     string   `yaml:"stream"`
	PoolSize   int      `yaml:"poolSize"`
}

type RelayConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type OutboundConfig struct {
	DNSCacheTTL time.Duration `yaml:"dnsCacheTTL"`
}

// Config is the single typed configuration of the server process.
type Config struct {
	Addr              string         `yaml:"addr"`
	Mode              Mode           `yaml:"mode"`
	DataDir           string         `yaml:"dataDir"`
	ShellPath         string         `yaml:"shellPath"`
	LogLevel          string         `yaml:"logLevel"`
	LogFormat         string         `yaml:"logFormat"`
	TLS               TLSConfig      `yaml:"tls"`
	Storage           StorageConfig  `yaml:"storage"`
	Relay             RelayConfig    `yaml:"relay"`
	Outbound          OutboundConfig `yaml:"outbound"`
	HeartbeatInterval time.Duration  `yaml:"heartbeatInterval"`
	UpgradeRate       float64        `yaml:"upgradeRate"`
	UpgradeBurst      int            `yaml:"upgradeBurst"`
}

// ErrorLogPath is the append-only error journal location.
func (c Config) ErrorLogPath() string {
	return filepath.Join(c.DataDir, "error.log")
}

// Sources lists the inputs consulted by Resolve.
type Sources struct {
	// Explicit holds command line values. Zero fields are treated as unset.
	Explicit Config
	// File is an optional YAML document path.
	File string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Resolve builds the effective configuration and validates it.
func Resolve(src Sources) (Config, error) {
	getenv := src.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var file Config
	if path := strings.TrimSpace(src.File); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		file = loaded
	}

	ex := src.Explicit
	env := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(getenv(key)); value != "" {
				return value
			}
		}
		return ""
	}

	cfg := Config{
		Addr:      firstNonEmpty(ex.Addr, file.Addr, env("MONITORHUB_ADDR"), portAddr(env("PORT")), DefaultAddr),
		Mode:      ParseMode(firstNonEmpty(string(ex.Mode), string(file.Mode), env("MONITORHUB_MODE", "APP_ENV"))),
		DataDir:   firstNonEmpty(ex.DataDir, file.DataDir, env("MONITORHUB_DATA_DIR", "DATA_DIR"), DefaultDataDir),
		ShellPath: firstNonEmpty(ex.ShellPath, file.ShellPath, env("MONITORHUB_SHELL_PATH"), DefaultShellPath),
		LogLevel:  firstNonEmpty(ex.LogLevel, file.LogLevel, env("MONITORHUB_LOG_LEVEL", "LOG_LEVEL"), "info"),
		LogFormat: firstNonEmpty(ex.LogFormat, file.LogFormat, env("MONITORHUB_LOG_FORMAT"), "json"),
		TLS: TLSConfig{
			KeyFile:  firstNonEmpty(ex.TLS.KeyFile, file.TLS.KeyFile, env("MONITORHUB_SSL_KEY", "SSL_KEY")),
			CertFile: firstNonEmpty(ex.TLS.CertFile, file.TLS.CertFile, env("MONITORHUB_SSL_CERT", "SSL_CERT")),
		},
		Storage: StorageConfig{
			Driver:     strings.ToLower(firstNonEmpty(ex.Storage.Driver, file.Storage.Driver, env("MONITORHUB_STORAGE_DRIVER"))),
			SQLitePath: firstNonEmpty(ex.Storage.SQLitePath, file.Storage.SQLitePath, env("MONITORHUB_SQLITE_PATH")),
			JSONPath:   firstNonEmpty(ex.Storage.JSONPath, file.Storage.JSONPath, env("MONITORHUB_JSON_PATH")),
			Postgres: PostgresConfig{
				DSN:             firstNonEmpty(ex.Storage.Postgres.DSN, file.Storage.Postgres.DSN, env("MONITORHUB_POSTGRES_DSN", "DATABASE_URL")),
				MaxConns:        int32(firstPositive(int(ex.Storage.Postgres.MaxConns), int(file.Storage.Postgres.MaxConns), envInt(env("MONITORHUB_POSTGRES_MAX_CONNS")))),
				MinConns:        int32(firstPositive(int(ex.Storage.Postgres.MinConns), int(file.Storage.Postgres.MinConns), envInt(env("MONITORHUB_POSTGRES_MIN_CONNS")))),
				MaxConnLifetime: firstDuration(ex.Storage.Postgres.MaxConnLifetime, file.Storage.Postgres.MaxConnLifetime, envDuration(env("MONITORHUB_POSTGRES_MAX_CONN_LIFETIME"))),
				MaxConnIdleTime: firstDuration(ex.Storage.Postgres.MaxConnIdleTime, file.Storage.Postgres.MaxConnIdleTime, envDuration(env("MONITORHUB_POSTGRES_MAX_CONN_IDLE"))),
				HealthCheck:     firstDuration(ex.Storage.Postgres.HealthCheck, file.Storage.Postgres.HealthCheck, envDuration(env("MONITORHUB_POSTGRES_HEALTH_INTERVAL"))),
				AcquireTimeout:  firstDuration(ex.Storage.Postgres.AcquireTimeout, file.Storage.Postgres.AcquireTimeout, envDuration(env("MONITORHUB_POSTGRES_ACQUIRE_TIMEOUT"))),
				ApplicationName: firstNonEmpty(ex.Storage.Postgres.ApplicationName, file.Storage.Postgres.ApplicationName, env("MONITORHUB_POSTGRES_APP_NAME"), "monitorhub"),
			},
		},
		Relay: RelayConfig{
			Driver: strings.ToLower(firstNonEmpty(ex.Relay.Driver, file.Relay.Driver, env("MONITORHUB_RELAY_DRIVER"), RelayMemory)),
			Redis: RedisConfig{
				Addr:       firstNonEmpty(ex.Relay.Redis.Addr, file.Relay.Redis.Addr, env("MONITORHUB_RELAY_REDIS_ADDR", "REDIS_ADDR")),
				Addrs:      firstList(ex.Relay.Redis.Addrs, file.Relay.Redis.Addrs, splitAndTrim(env("MONITORHUB_RELAY_REDIS_ADDRS"))),
				Username:   firstNonEmpty(ex.Relay.Redis.Username, file.Relay.Redis.Username, env("MONITORHUB_RELAY_REDIS_USERNAME")),
				Password:   firstNonEmpty(ex.Relay.Redis.Password, file.Relay.Redis.Password, env("MONITORHUB_RELAY_REDIS_PASSWORD", "REDIS_PASSWORD")),
				MasterName: firstNonEmpty(ex.Relay.Redis.MasterName, file.Relay.Redis.MasterName, env("MONITORHUB_RELAY_REDIS_SENTINEL_MASTER")),
				Stream:     firstNonEmpty(ex.Relay.Redis.Stream, file.Relay.Redis.Stream, env("MONITORHUB_RELAY_REDIS_STREAM"), DefaultRelayStream),
				PoolSize:   firstPositive(ex.Relay.Redis.PoolSize, file.Relay.Redis.PoolSize, envInt(env("MONITORHUB_RELAY_REDIS_POOL_SIZE"))),
			},
		},
		Outbound: OutboundConfig{
			DNSCacheTTL: firstDuration(ex.Outbound.DNSCacheTTL, file.Outbound.DNSCacheTTL, envDuration(env("MONITORHUB_DNS_CACHE_TTL")), DefaultDNSCacheTTL),
		},
		HeartbeatInterval: firstDuration(ex.HeartbeatInterval, file.HeartbeatInterval, envDuration(env("MONITORHUB_HEARTBEAT_INTERVAL")), DefaultHeartbeatInterval),
		UpgradeRate:       firstPositiveFloat(ex.UpgradeRate, file.UpgradeRate, envFloat(env("MONITORHUB_UPGRADE_RATE")), DefaultUpgradeRate),
		UpgradeBurst:      firstPositive(ex.UpgradeBurst, file.UpgradeBurst, envInt(env("MONITORHUB_UPGRADE_BURST")), DefaultUpgradeBurst),
	}

	if cfg.Storage.Driver == "" {
		if cfg.Storage.Postgres.DSN != "" {
			cfg.Storage.Driver = StoragePostgres
		} else {
			cfg.Storage.Driver = StorageSQLite
		}
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.DataDir, "monitorhub.db")
	}
	if cfg.Storage.JSONPath == "" {
		cfg.Storage.JSONPath = filepath.Join(cfg.DataDir, "monitorhub.json")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if (c.TLS.KeyFile == "") != (c.TLS.CertFile == "") {
		return ErrPartialTLS
	}
	switch c.Storage.Driver {
	case StorageSQLite, StorageJSON:
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("config: postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("%w %q for storage (expected sqlite, postgres or json)", ErrUnknownDriver, c.Storage.Driver)
	}
	switch c.Relay.Driver {
	case RelayMemory:
	case RelayRedis:
		if c.Relay.Redis.Addr == "" && len(c.Relay.Redis.Addrs) == 0 {
			return errors.New("config: redis relay requires an address")
		}
	default:
		return fmt.Errorf("%w %q for relay (expected memory or redis)", ErrUnknownDriver, c.Relay.Driver)
	}
	return nil
}

// LoadFile decodes a YAML configuration document. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func firstList(values ...[]string) []string {
	for _, value := range values {
		if len(value) > 0 {
			return value
		}
	}
	return nil
}

func portAddr(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}

func envInt(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func envFloat(raw string) float64 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return value
}

func envDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
