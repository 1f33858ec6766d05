package config

import (
	"errors"
	"os"
	"strings"
)

// StartupPreflightErrors returns everything that forbids this profile from
// starting. Empty means go. The checks only bite in strict profiles
// (staging, production, or ARQONBUS_PREFLIGHT_STRICT=true); development
// boots on defaults.
func StartupPreflightErrors(cfg *Config) []string {
	var errs []string

	if !cfg.StrictProfile() {
		return errs
	}

	// Core variables must be explicit, not defaulted. A prod box silently
	// binding 127.0.0.1:8765 is a deploy mistake, not a profile.
	for _, key := range []string{"ARQONBUS_SERVER_HOST", "ARQONBUS_SERVER_PORT", "ARQONBUS_STORAGE_MODE"} {
		if _, ok := os.LookupEnv(key); !ok {
			errs = append(errs, key+" must be set explicitly in this environment")
		}
	}

	// Strict storage is meaningless without a concrete backend URL.
	if cfg.Storage.Mode == StorageModeStrict {
		switch cfg.Storage.Backend {
		case "redis":
			if cfg.Redis.URL == "" {
				errs = append(errs, "ARQONBUS_REDIS_URL is required for strict redis storage")
			}
		case "postgres":
			if cfg.Postgres.URL == "" {
				errs = append(errs, "ARQONBUS_DATABASE_URL is required for strict postgres storage")
			}
		case "memory":
			errs = append(errs, "ARQONBUS_STORAGE_MODE=strict cannot use the memory backend")
		}
	}

	// Production runs the dual data stack: hot shared state plus durable
	// state. Overridable for deliberate single-stack deployments.
	if cfg.IsProduction() && cfg.RequireDualStack {
		if cfg.Redis.URL == "" {
			errs = append(errs, "ARQONBUS_REDIS_URL is required in production (dual data stack)")
		}
		if cfg.Postgres.URL == "" {
			errs = append(errs, "ARQONBUS_DATABASE_URL is required in production (dual data stack)")
		}
	}

	// Debug bypasses and the JSON wire are development conveniences.
	if cfg.Debug {
		errs = append(errs, "ARQONBUS_DEBUG must be false in this environment")
	}
	if (cfg.IsProduction() || cfg.IsStaging()) && cfg.Server.WireFormat != "binary" {
		errs = append(errs, "ARQONBUS_WIRE_FORMAT must be binary in staging and production")
	}

	return errs
}

// Preflight runs the start-up gate and folds violations into one error.
func Preflight(cfg *Config) error {
	if errs := StartupPreflightErrors(cfg); len(errs) > 0 {
		return errors.New("startup preflight failed: " + strings.Join(errs, "; "))
	}
	return nil
}
