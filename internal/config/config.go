package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leonj1/river/pkg/log"
)

// Config is the top-level server configuration loaded from file/env.
// Durations are carried as millisecond integers so the same values read
// naturally from JSON, YAML and environment variables.
type Config struct {
	// HTTPAddr is the listen address for the SSE API and /metrics.
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`

	// Provider selects the durability backend: memory, pebble, sqlite or redis.
	Provider string `json:"provider" yaml:"provider"`

	// DataDir holds the pebble database. Empty means DefaultDataDir().
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is the pebble WAL policy: always, interval or never.
	Fsync string `json:"fsync" yaml:"fsync"`
	// FsyncIntervalMs applies when Fsync is "interval".
	FsyncIntervalMs int `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`

	// SQLitePath is the sqlite database file. Empty means river.db under DataDir.
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// RedisAddr is the redis host:port.
	RedisAddr string `json:"redisAddr" yaml:"redisAddr"`
	// RedisPrefix namespaces redis keys.
	RedisPrefix string `json:"redisPrefix" yaml:"redisPrefix"`

	// LiveBuffer is the per-run live feed capacity.
	LiveBuffer int `json:"liveBuffer" yaml:"liveBuffer"`
	// ReadBatch caps entries per provider read during resume.
	ReadBatch int `json:"readBatch" yaml:"readBatch"`
	// ReadBlockMs bounds how long a tail read waits before reissuing.
	ReadBlockMs int `json:"readBlockMs" yaml:"readBlockMs"`

	// RetentionAgeMs expires finished runs older than this age when >0.
	RetentionAgeMs int64 `json:"retentionAgeMs" yaml:"retentionAgeMs"`
	// SweepIntervalMs is the expiry janitor period when retention is set.
	SweepIntervalMs int64 `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`

	// Log configures the server logger.
	Log log.Config `json:"log" yaml:"log"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		Provider:        "pebble",
		Fsync:           "always",
		RedisAddr:       "127.0.0.1:6379",
		LiveBuffer:      256,
		ReadBatch:       128,
		ReadBlockMs:     250,
		SweepIntervalMs: 60_000,
		Log: log.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects configurations the server could not start with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("config: httpAddr is required")
	}
	switch c.Provider {
	case "memory", "pebble", "sqlite", "redis":
	case "":
		return fmt.Errorf("config: provider is required")
	default:
		return fmt.Errorf("config: unknown provider %q (want memory, pebble, sqlite or redis)", c.Provider)
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown fsync mode %q (want always, interval or never)", c.Fsync)
	}
	if c.Fsync == "interval" && c.FsyncIntervalMs <= 0 {
		return fmt.Errorf("config: fsync mode interval needs fsyncIntervalMs > 0")
	}
	if c.Provider == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("config: provider redis needs redisAddr")
	}
	if c.LiveBuffer < 0 || c.ReadBatch < 0 || c.ReadBlockMs < 0 {
		return fmt.Errorf("config: liveBuffer, readBatch and readBlockMs must not be negative")
	}
	if c.RetentionAgeMs < 0 {
		return fmt.Errorf("config: retentionAgeMs must not be negative")
	}
	if c.RetentionAgeMs > 0 && c.SweepIntervalMs <= 0 {
		return fmt.Errorf("config: retention needs sweepIntervalMs > 0")
	}
	return nil
}

// FsyncInterval returns FsyncIntervalMs as a duration.
func (c Config) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

// ReadBlock returns ReadBlockMs as a duration.
func (c Config) ReadBlock() time.Duration {
	return time.Duration(c.ReadBlockMs) * time.Millisecond
}

// RetentionAge returns RetentionAgeMs as a duration.
func (c Config) RetentionAge() time.Duration {
	return time.Duration(c.RetentionAgeMs) * time.Millisecond
}

// SweepInterval returns SweepIntervalMs as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
