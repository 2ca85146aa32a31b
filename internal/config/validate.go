package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field syntax. Semantic defaults are applied later by the
// components that consume each section.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"uploads.max_age", cfg.Uploads.MaxAge},
		{"telegram.timeout", cfg.Telegram.Timeout},
		{"dispatch.stagger", cfg.Dispatch.Stagger},
		{"dispatch.batch_delay", cfg.Dispatch.BatchDelay},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.attachment_ttl", cfg.Dispatch.AttachmentTTL},
		{"ratelimit.phone_cadence", cfg.RateLimit.PhoneCadence},
		{"ratelimit.phone_window", cfg.RateLimit.PhoneWindow},
		{"ratelimit.ip_window", cfg.RateLimit.IPWindow},
		{"ratelimit.lockout", cfg.RateLimit.Lockout},
		{"ratelimit.lockout_retention", cfg.RateLimit.LockoutRetention},
		{"verify.code_ttl", cfg.Verify.CodeTTL},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	ints := []struct {
		path string
		v    int
	}{
		{"uploads.max_size_mb", cfg.Uploads.MaxSizeMB},
		{"telegram.burst", cfg.Telegram.Burst},
		{"dispatch.batch_size", cfg.Dispatch.BatchSize},
		{"dispatch.max_attempts", cfg.Dispatch.MaxAttempts},
		{"ratelimit.phone_max", cfg.RateLimit.PhoneMax},
		{"ratelimit.ip_max", cfg.RateLimit.IPMax},
		{"ratelimit.max_failures", cfg.RateLimit.MaxFailures},
	}
	for _, n := range ints {
		if n.v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", n.path))
		}
	}
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}
	if l := cfg.Verify.CodeLength; l != 0 && (l < 4 || l > 10) {
		errs = append(errs, fmt.Errorf("verify.code_length: %d out of range [4,10]", l))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Production() && strings.TrimSpace(cfg.Auth.APIKey) == "" {
		errs = append(errs, fmt.Errorf("auth.api_key: required in production (set %s)", EnvAPIKey))
	}
	return errors.Join(errs...)
}
