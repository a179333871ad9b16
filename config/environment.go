package config

import (
	"fmt"
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

var environmentAliases = map[string]string{
	"dev":   EnvironmentDevelopment,
	"local": EnvironmentDevelopment,
	"prod":  EnvironmentProduction,
	"live":  EnvironmentProduction,
	"stag":  EnvironmentStaging,
	"uat":   EnvironmentStaging,
}

// getAppEnvironment normalises APP_ENV, defaulting to development.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the file registered for
// the current environment. Explicit paths are kept.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	if envPath, ok := envPaths[getAppEnvironment()]; ok && (path == defaultPath || path == envPath) {
		return envPath
	}
	return path
}

// AppEnvironment returns the normalised APP_ENV value.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether env trades against a live account.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// validateEnvironment applies the checks that only hold on live accounts:
// a token must be configured and ticks must reach at least one sink.
func validateEnvironment(cfg *Config, env string) error {
	if !IsProductionLike(env) {
		return nil
	}
	if strings.TrimSpace(cfg.Auth.AccessToken) == "" {
		return fmt.Errorf("auth.access_token (or UPSTOX_ACCESS_TOKEN) is required in %s", env)
	}
	if cfg.Feeds.Market.Enabled && !cfg.Storage.S3.Enabled && !cfg.Storage.Kafka.Enabled {
		return fmt.Errorf("market feed is enabled in %s but neither storage.s3 nor storage.kafka is", env)
	}
	return nil
}
