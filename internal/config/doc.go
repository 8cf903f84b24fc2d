// Package config provides loading and environment overlay for the river
// server configuration. It exposes a Default() baseline, Load() for JSON or
// YAML files, and FromEnv() for RIVER_* overrides.
//
// Example:
//
//	cfg, err := config.Load("/etc/river.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
