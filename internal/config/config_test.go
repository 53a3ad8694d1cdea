package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Persistence.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.Persistence.BatchSize)
	}
	if cfg.Persistence.FlushTimeout.Duration != 10*time.Millisecond {
		t.Errorf("flush timeout = %v, want 10ms", cfg.Persistence.FlushTimeout.Duration)
	}
	if cfg.Snapshot.Interval != 100_000 {
		t.Errorf("snapshot interval = %d, want 100000", cfg.Snapshot.Interval)
	}
	if cfg.Engine.GovernanceDelay.Duration != 24*time.Hour {
		t.Errorf("governance delay = %v, want 24h", cfg.Engine.GovernanceDelay.Duration)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log_level = "debug"

[postgres]
dsn = "postgres://dual:secret@db:5432/dualledger?sslmode=require"

[persistence]
batch_size = 200
flush_timeout = "25ms"

[engine]
require_signatures = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Postgres.DSN != "postgres://dual:secret@db:5432/dualledger?sslmode=require" {
		t.Errorf("dsn not taken from file: %s", cfg.Postgres.DSN)
	}
	if cfg.Persistence.BatchSize != 200 {
		t.Errorf("batch size = %d, want 200", cfg.Persistence.BatchSize)
	}
	if cfg.Persistence.FlushTimeout.Duration != 25*time.Millisecond {
		t.Errorf("flush timeout = %v, want 25ms", cfg.Persistence.FlushTimeout.Duration)
	}
	if !cfg.Engine.RequireSignatures {
		t.Error("require_signatures not taken from file")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s, want debug", cfg.LogLevel)
	}

	// Untouched sections keep their defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url lost its default: %s", cfg.NATS.URL)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfigFile(t, `
[nats]
url = "nats://from-file:4222"
`)

	t.Setenv("DUAL_NATS_URL", "nats://from-env:4222")
	t.Setenv("DUAL_SNAPSHOT_INTERVAL", "500")
	t.Setenv("DUAL_PERSIST_FLUSH_TIMEOUT", "1s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NATS.URL != "nats://from-env:4222" {
		t.Errorf("nats url = %s, want env value", cfg.NATS.URL)
	}
	if cfg.Snapshot.Interval != 500 {
		t.Errorf("snapshot interval = %d, want 500", cfg.Snapshot.Interval)
	}
	if cfg.Persistence.FlushTimeout.Duration != time.Second {
		t.Errorf("flush timeout = %v, want 1s", cfg.Persistence.FlushTimeout.Duration)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = ""
	cfg.NATS.URL = ""
	cfg.Persistence.BatchSize = 0
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	for _, want := range []string{"postgres: dsn", "nats: url", "persistence: batch_size", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidateRejectsBadAuthority(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.Authority = "not-an-address"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for malformed authority")
	}
	if !strings.Contains(err.Error(), "engine: authority") {
		t.Errorf("error missing authority problem: %v", err)
	}
}

func TestValidateArchiveRequiresBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled archive without bucket")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http addr = %s, want :8080", cfg.Server.HTTPAddr)
	}
}
