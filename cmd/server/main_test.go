package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"monitorhub/internal/config"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseFlagsMapsExplicitConfig(t *testing.T) {
	opts, err := parseFlags([]string{
		"-addr", ":9000",
		"-mode", "development",
		"-ssl-key", "key.pem",
		"-ssl-cert", "cert.pem",
		"-relay-driver", "redis",
		"-redis-addrs", "a:6379, b:6379,",
		"-upgrade-rate", "2.5",
		"-refresh-interval", "30s",
	}, envMap(nil), io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	ex := opts.sources.Explicit
	if ex.Addr != ":9000" || ex.Mode != config.ModeDevelopment {
		t.Fatalf("unexpected addr/mode %q/%q", ex.Addr, ex.Mode)
	}
	if ex.TLS.KeyFile != "key.pem" || ex.TLS.CertFile != "cert.pem" {
		t.Fatalf("unexpected tls %+v", ex.TLS)
	}
	if !reflect.DeepEqual(ex.Relay.Redis.Addrs, []string{"a:6379", "b:6379"}) {
		t.Fatalf("unexpected redis addrs %v", ex.Relay.Redis.Addrs)
	}
	if ex.UpgradeRate != 2.5 {
		t.Fatalf("unexpected upgrade rate %v", ex.UpgradeRate)
	}
	if opts.refreshInterval != 30*time.Second {
		t.Fatalf("unexpected refresh interval %v", opts.refreshInterval)
	}
}

func TestParseFlagsReadsEnvironmentFallbacks(t *testing.T) {
	opts, err := parseFlags(nil, envMap(map[string]string{
		"MONITORHUB_CONFIG":           "/etc/monitorhub.yaml",
		"MONITORHUB_REFRESH_INTERVAL": "1m",
	}), io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.sources.File != "/etc/monitorhub.yaml" {
		t.Fatalf("unexpected config file %q", opts.sources.File)
	}
	if opts.refreshInterval != time.Minute {
		t.Fatalf("unexpected refresh interval %v", opts.refreshInterval)
	}

	if _, err := parseFlags(nil, envMap(map[string]string{"MONITORHUB_REFRESH_INTERVAL": "soon"}), io.Discard); err == nil {
		t.Fatal("expected invalid refresh interval to fail")
	}
}

func TestRunRejectsUnknownFlags(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"-nope"}, envMap(nil), io.Discard, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	var stdout bytes.Buffer
	code := run(context.Background(), []string{"-ssl-key", "only.key"}, envMap(nil), &stdout, io.Discard)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "invalid configuration") {
		t.Fatalf("expected configuration error in log, got %q", stdout.String())
	}
}

func TestRunExitsWhenShellMissingInProduction(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	code := run(context.Background(), []string{
		"-mode", "production",
		"-data-dir", dir,
		"-shell", filepath.Join(dir, "missing.html"),
		"-storage-driver", "json",
	}, envMap(nil), &stdout, io.Discard)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "shell document missing") {
		t.Fatalf("expected shell error in log, got %q", stdout.String())
	}
}
