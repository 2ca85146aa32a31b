package config

import (
	"os"
	"strings"
)

// Environment variables that override file values. A .env file next to the
// binary is loaded into the environment at startup.
const (
	EnvAPIKey   = "ADMIN_API_KEY"
	EnvMode     = "COURIER_ENV"
	EnvHTTPAddr = "COURIER_HTTP_ADDR"
	EnvPort     = "PORT"
	EnvDBPath   = "COURIER_DB_PATH"
)

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := getEnv(EnvAPIKey); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := getEnv(EnvMode); v != "" {
		cfg.Env = strings.ToLower(v)
	}
	if v := getEnv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	} else if port := getEnv(EnvPort); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	if v := getEnv(EnvDBPath); v != "" {
		cfg.Storage.Path = v
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
