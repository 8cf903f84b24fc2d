package config

import (
	"os"
	"strconv"
)

// FromEnv overlays RIVER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("RIVER_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("RIVER_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("RIVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RIVER_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("RIVER_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("RIVER_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("RIVER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("RIVER_REDIS_PREFIX"); v != "" {
		cfg.RedisPrefix = v
	}
	if v := os.Getenv("RIVER_LIVE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LiveBuffer = n
		}
	}
	if v := os.Getenv("RIVER_READ_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReadBatch = n
		}
	}
	if v := os.Getenv("RIVER_READ_BLOCK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReadBlockMs = n
		}
	}
	if v := os.Getenv("RIVER_RETENTION_AGE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RetentionAgeMs = n
		}
	}
	if v := os.Getenv("RIVER_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("RIVER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RIVER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
