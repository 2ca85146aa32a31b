package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/httpapi"
	"courier/internal/ratelimit"
	"courier/internal/scheduler"
	"courier/internal/storage"
	"courier/internal/transport/telegram"
	"courier/internal/uploads"
	"courier/internal/verify"
	logx "courier/pkg/logx"
)

const (
	defaultDBPath      = "./data/courier.db"
	defaultUploadsDir  = "./uploads"
	defaultBusyTimeout = 5 * time.Second
	defaultUploadMB    = 50
	defaultAttachTTL   = time.Hour

	defaultLimiterSweep  = "@every 10m"
	defaultUploadCleanup = "@hourly"
	defaultCodePrune     = "@every 30m"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "":
		driver = "sqlite"
	case "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapUploadsConfig(cfg *config.Config) (uploads.Config, error) {
	dir := strings.TrimSpace(cfg.Uploads.Dir)
	if dir == "" {
		dir = defaultUploadsDir
	}
	mb := cfg.Uploads.MaxSizeMB
	if mb <= 0 {
		mb = defaultUploadMB
	}
	age, err := parseDurationField("uploads.max_age", cfg.Uploads.MaxAge)
	if err != nil {
		return uploads.Config{}, err
	}
	return uploads.Config{Dir: dir, MaxSize: int64(mb) << 20, MaxAge: age}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := parseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		APIURL:        strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout:       timeout,
		RatePerSecond: cfg.Telegram.RatePerSec,
		Burst:         cfg.Telegram.Burst,
	}, nil
}

// mapDispatchConfig keeps dispatch defaults for omitted fields. A stagger or
// batch delay of "0s" is kept as zero.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.DefaultConfig()
	if dc.BatchSize > 0 {
		out.BatchSize = dc.BatchSize
	}
	if dc.MaxAttempts > 0 {
		out.MaxAttempts = dc.MaxAttempts
	}

	durations := []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"dispatch.stagger", dc.Stagger, &out.StaggerDelay},
		{"dispatch.batch_delay", dc.BatchDelay, &out.BatchDelay},
		{"dispatch.retry_base", dc.RetryBase, &out.BackoffBase},
		{"dispatch.retry_max_delay", dc.RetryMaxDelay, &out.BackoffMax},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return dispatch.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapAttachmentConfig(cfg *config.Config, maxSize int64) (dispatch.AttachmentConfig, error) {
	ttl, err := parseDurationOrDefault("dispatch.attachment_ttl", cfg.Dispatch.AttachmentTTL, defaultAttachTTL)
	if err != nil {
		return dispatch.AttachmentConfig{}, err
	}
	return dispatch.AttachmentConfig{MaxSize: maxSize, TTL: ttl}, nil
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rc := cfg.RateLimit
	out := ratelimit.Config{
		PhoneMax:    rc.PhoneMax,
		IPMax:       rc.IPMax,
		MaxFailures: rc.MaxFailures,
	}
	durations := []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"ratelimit.phone_cadence", rc.PhoneCadence, &out.PhoneCadence},
		{"ratelimit.phone_window", rc.PhoneWindow, &out.PhoneWindow},
		{"ratelimit.ip_window", rc.IPWindow, &out.IPWindow},
		{"ratelimit.lockout", rc.Lockout, &out.LockoutFor},
		{"ratelimit.lockout_retention", rc.LockoutRetention, &out.LockoutRetains},
	}
	for _, d := range durations {
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return ratelimit.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapVerifyConfig(cfg *config.Config) (verify.Config, error) {
	ttl, err := parseDurationOrDefault("verify.code_ttl", cfg.Verify.CodeTTL, verify.DefaultCodeTTL)
	if err != nil {
		return verify.Config{}, err
	}
	return verify.Config{CodeTTL: ttl, CodeLength: cfg.Verify.CodeLength}, nil
}

func mapHTTPConfig(cfg *config.Config, keyFromEnv bool) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Addr:        strings.TrimSpace(hc.Addr),
		APIKey:      strings.TrimSpace(cfg.Auth.APIKey),
		KeyFromEnv:  keyFromEnv,
		Production:  cfg.Production(),
		CORSOrigins: hc.CORSOrigins,
		StaticDir:   strings.TrimSpace(hc.StaticDir),
		Pprof:       hc.Pprof,
	}
	durations := []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"http.read_timeout", hc.ReadTimeout, &out.ReadTimeout},
		{"http.write_timeout", hc.WriteTimeout, &out.WriteTimeout},
		{"http.idle_timeout", hc.IdleTimeout, &out.IdleTimeout},
		{"http.shutdown_timeout", hc.ShutdownTimeout, &out.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return httpapi.Config{}, err
		}
		*d.dst = v
	}
	proxies, err := httpapi.ParseTrustedProxies(hc.TrustedProxies)
	if err != nil {
		return httpapi.Config{}, fmt.Errorf("http.trusted_proxies: %w", err)
	}
	out.TrustedProxies = proxies
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

// jobSpec returns the configured spec or the job default.
func jobSpec(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

// validateSchedules rejects cron specs a reload could not apply.
func validateSchedules(cfg *config.Config) error {
	specs := []struct{ path, raw string }{
		{"scheduler.limiter_sweep", cfg.Scheduler.LimiterSweep},
		{"scheduler.upload_cleanup", cfg.Scheduler.UploadCleanup},
		{"scheduler.code_prune", cfg.Scheduler.CodePrune},
	}
	for _, s := range specs {
		if err := scheduler.ValidSpec(s.raw); err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
	}
	return nil
}
