package config

import (
	"slices"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for a
// reload log line. The API key is reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		oldCfg.HTTP.ReadTimeout != newCfg.HTTP.ReadTimeout ||
		oldCfg.HTTP.WriteTimeout != newCfg.HTTP.WriteTimeout ||
		oldCfg.HTTP.IdleTimeout != newCfg.HTTP.IdleTimeout ||
		oldCfg.HTTP.ShutdownTimeout != newCfg.HTTP.ShutdownTimeout ||
		oldCfg.HTTP.StaticDir != newCfg.HTTP.StaticDir ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		!slices.Equal(oldCfg.HTTP.CORSOrigins, newCfg.HTTP.CORSOrigins) ||
		!slices.Equal(oldCfg.HTTP.TrustedProxies, newCfg.HTTP.TrustedProxies) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	if strings.TrimSpace(oldCfg.Auth.APIKey) != strings.TrimSpace(newCfg.Auth.APIKey) {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Bool("auth.api_key_set", strings.TrimSpace(newCfg.Auth.APIKey) != ""))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Uploads != newCfg.Uploads {
		changed = append(changed, "uploads")
		attrs = append(attrs,
			logx.String("uploads.dir", newCfg.Uploads.Dir),
			logx.Int("uploads.max_size_mb", newCfg.Uploads.MaxSizeMB),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.custom_api", newCfg.Telegram.APIURL != ""),
			logx.Any("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.stagger", newCfg.Dispatch.Stagger),
			logx.String("dispatch.batch_delay", newCfg.Dispatch.BatchDelay),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.Int("ratelimit.phone_max", newCfg.RateLimit.PhoneMax),
			logx.Int("ratelimit.ip_max", newCfg.RateLimit.IPMax),
			logx.Int("ratelimit.max_failures", newCfg.RateLimit.MaxFailures),
		)
	}

	if oldCfg.Verify != newCfg.Verify {
		changed = append(changed, "verify")
		attrs = append(attrs, logx.String("verify.code_ttl", newCfg.Verify.CodeTTL))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.Env != newCfg.Env {
		changed = append(changed, "env")
		attrs = append(attrs, logx.String("env", newCfg.Env))
	}

	return changed, attrs
}

// RequiresRestart reports the changed sections that a running process cannot
// apply in place.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "http", "auth", "storage", "uploads", "telegram", "verify", "env":
			out = append(out, s)
		}
	}
	return out
}
