package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads an optional TOML configuration file at path, merges it
// on top of the built-in defaults, applies DUAL_* environment
// variable overrides, and validates the result. An empty path falls
// back to "config.toml" when that file exists; a service with no
// config file at all runs on defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			path = "config.toml"
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known DUAL_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "DUAL_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "DUAL_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "DUAL_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "DUAL_POSTGRES_CONN_MAX_LIFETIME")
	setStr(&cfg.Postgres.MigrationsDir, "DUAL_MIGRATIONS_DIR")

	setStr(&cfg.NATS.URL, "DUAL_NATS_URL")

	setStr(&cfg.Engine.Authority, "DUAL_AUTHORITY")
	setDuration(&cfg.Engine.GovernanceDelay, "DUAL_GOVERNANCE_DELAY")
	setInt(&cfg.Engine.CommandChanSize, "DUAL_COMMAND_CHAN_SIZE")
	setInt(&cfg.Engine.PersistChanSize, "DUAL_PERSIST_CHAN_SIZE")
	setInt(&cfg.Engine.ProjectionChanSize, "DUAL_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Engine.PublishChanSize, "DUAL_PUBLISH_CHAN_SIZE")
	setInt(&cfg.Engine.DedupLRUCapacity, "DUAL_DEDUP_LRU_CAPACITY")
	setBool(&cfg.Engine.RequireSignatures, "DUAL_REQUIRE_SIGNATURES")

	setInt(&cfg.Persistence.BatchSize, "DUAL_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "DUAL_PERSIST_FLUSH_TIMEOUT")

	setInt64(&cfg.Snapshot.Interval, "DUAL_SNAPSHOT_INTERVAL")

	setBool(&cfg.Archive.Enabled, "DUAL_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "DUAL_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "DUAL_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "DUAL_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "DUAL_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "DUAL_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "DUAL_ARCHIVE_FORCE_PATH_STYLE")

	setStr(&cfg.Server.HTTPAddr, "DUAL_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "DUAL_METRICS_ADDR")
	setStr(&cfg.Server.APIToken, "DUAL_API_TOKEN")

	setStr(&cfg.LogLevel, "DUAL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the
// environment variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
