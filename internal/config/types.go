package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero values fall back to the defaults of the component they configure.
type Config struct {
	// Env is "production" or anything else. Outside production a random API
	// key is generated when none is configured.
	Env string `json:"env,omitempty"`

	HTTP      HTTPConfig      `json:"http"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Uploads   UploadsConfig   `json:"uploads"`
	Telegram  TelegramConfig  `json:"telegram"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Verify    VerifyConfig    `json:"verify"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

func (c *Config) Production() bool { return c != nil && c.Env == "production" }

type HTTPConfig struct {
	Addr            string   `json:"addr"` // default ":5000"
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty"` // default: any origin
	StaticDir       string   `json:"static_dir,omitempty"`   // optional web UI directory served at /
	// Pprof mounts net/http/pprof under /debug/pprof behind the API key.
	Pprof bool `json:"pprof,omitempty"`
	// TrustedProxies lists IPs/CIDRs whose X-Forwarded-For and X-Real-IP
	// headers name the client. Empty: the TCP peer is the client.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

// AuthConfig holds the admin API key. Prefer the ADMIN_API_KEY environment
// variable over writing the key into the file.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type UploadsConfig struct {
	Dir       string `json:"dir"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"` // default 50
	MaxAge    string `json:"max_age,omitempty"`     // default "24h"
}

// TelegramConfig tunes the Bot API client shared by every account.
type TelegramConfig struct {
	APIURL     string  `json:"api_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// DispatchConfig controls bulk delivery pacing and retries.
//
// Defaults: batch_size 5, stagger "200ms", batch_delay "1s", max_attempts 3,
// retry_base "1s", retry_max_delay "5s", attachment_ttl "1h".
type DispatchConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	Stagger       string `json:"stagger,omitempty"`
	BatchDelay    string `json:"batch_delay,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	AttachmentTTL string `json:"attachment_ttl,omitempty"`
}

// RateLimitConfig controls verification abuse protection.
//
// Defaults: phone_cadence "1m", phone_window "1h", phone_max 5,
// ip_window "1h", ip_max 10, max_failures 5, lockout "15m",
// lockout_retention "1h".
type RateLimitConfig struct {
	PhoneCadence     string `json:"phone_cadence,omitempty"`
	PhoneWindow      string `json:"phone_window,omitempty"`
	PhoneMax         int    `json:"phone_max,omitempty"`
	IPWindow         string `json:"ip_window,omitempty"`
	IPMax            int    `json:"ip_max,omitempty"`
	MaxFailures      int    `json:"max_failures,omitempty"`
	Lockout          string `json:"lockout,omitempty"`
	LockoutRetention string `json:"lockout_retention,omitempty"`
}

type VerifyConfig struct {
	CodeTTL    string `json:"code_ttl,omitempty"` // default "10m"
	CodeLength int    `json:"code_length,omitempty"`
}

// SchedulerConfig holds cron specs for housekeeping jobs. Empty specs use
// the defaults; "off" disables a job.
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	LimiterSweep  string `json:"limiter_sweep,omitempty"`  // default "@every 10m"
	UploadCleanup string `json:"upload_cleanup,omitempty"` // default "@hourly"
	CodePrune     string `json:"code_prune,omitempty"`     // default "@every 30m"
}
