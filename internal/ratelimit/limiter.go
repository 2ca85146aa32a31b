// Package ratelimit gates verification-code issuance and checking.
//
// Three independent gates are tracked in memory:
//
//   - per-phone cadence and hourly volume (CheckSMS)
//   - per-IP hourly volume (CheckIP)
//   - per-phone failed-verification lockout (CheckVerification and friends)
//
// Phone numbers are only ever used as sha256 keys. State does not survive a
// restart; Sweep reclaims memory and never changes a decision.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"courier/internal/clock"
	logx "courier/pkg/logx"
)

type Reason int

const (
	ReasonNone Reason = iota
	ReasonTooFrequent
	ReasonHourlyLimit
	ReasonIPHourlyLimit
	ReasonLocked
)

func (r Reason) String() string {
	switch r {
	case ReasonTooFrequent:
		return "too frequent, wait 1 minute"
	case ReasonHourlyLimit:
		return "hourly limit exceeded"
	case ReasonIPHourlyLimit:
		return "IP hourly limit exceeded"
	case ReasonLocked:
		return "too many failed attempts, number locked"
	default:
		return ""
	}
}

// Decision is the outcome of a gate check. A rejection is not an error.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

func allow() Decision { return Decision{Allowed: true} }

type Config struct {
	PhoneCadence   time.Duration
	PhoneWindow    time.Duration
	PhoneMax       int
	IPWindow       time.Duration
	IPMax          int
	MaxFailures    int
	LockoutFor     time.Duration
	LockoutRetains time.Duration
}

func DefaultConfig() Config {
	return Config{
		PhoneCadence:   time.Minute,
		PhoneWindow:    time.Hour,
		PhoneMax:       5,
		IPWindow:       time.Hour,
		IPMax:          10,
		MaxFailures:    5,
		LockoutFor:     15 * time.Minute,
		LockoutRetains: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PhoneCadence <= 0 {
		c.PhoneCadence = d.PhoneCadence
	}
	if c.PhoneWindow <= 0 {
		c.PhoneWindow = d.PhoneWindow
	}
	if c.PhoneMax <= 0 {
		c.PhoneMax = d.PhoneMax
	}
	if c.IPWindow <= 0 {
		c.IPWindow = d.IPWindow
	}
	if c.IPMax <= 0 {
		c.IPMax = d.IPMax
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.LockoutFor <= 0 {
		c.LockoutFor = d.LockoutFor
	}
	if c.LockoutRetains <= 0 {
		c.LockoutRetains = d.LockoutRetains
	}
	return c
}

// window is a rolling counter anchored at its first attempt.
type window struct {
	count int
	first time.Time
	last  time.Time
}

type lockout struct {
	failures    int
	lockedUntil time.Time
}

func (l *lockout) locked(now time.Time) bool {
	return !l.lockedUntil.IsZero() && now.Before(l.lockedUntil)
}

func (l *lockout) expired(now time.Time) bool {
	return !l.lockedUntil.IsZero() && !now.Before(l.lockedUntil)
}

// Limiter is safe for concurrent use. Each table has its own mutex so a
// check-and-increment for one key is atomic.
type Limiter struct {
	clock clock.Clock
	log   logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	phoneMu sync.Mutex
	phones  map[string]*window

	ipMu sync.Mutex
	ips  map[string]*window

	lockMu sync.Mutex
	locks  map[string]*lockout
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Limiter{
		clock:  clock.Real(),
		log:    log,
		cfg:    cfg.withDefaults(),
		phones: map[string]*window{},
		ips:    map[string]*window{},
		locks:  map[string]*lockout{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply swaps limits. Existing windows are kept and judged by the new limits.
func (l *Limiter) Apply(cfg Config) {
	l.cfgMu.Lock()
	l.cfg = cfg.withDefaults()
	l.cfgMu.Unlock()
}

func (l *Limiter) config() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// HashPhone is the only form in which a phone number is kept.
func HashPhone(phone string) string {
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:])
}

// CheckSMS applies the cadence gate, then the hourly gate, and consumes a
// slot when both pass.
func (l *Limiter) CheckSMS(phone string) Decision {
	cfg := l.config()
	key := HashPhone(phone)
	now := l.clock.Now()

	l.phoneMu.Lock()
	defer l.phoneMu.Unlock()

	w, ok := l.phones[key]
	if !ok {
		w = &window{first: now}
	}
	if now.Sub(w.first) > cfg.PhoneWindow {
		w.count = 0
		w.first = now
	}

	if !w.last.IsZero() {
		if since := now.Sub(w.last); since < cfg.PhoneCadence {
			return Decision{
				Reason:     ReasonTooFrequent,
				RetryAfter: cfg.PhoneCadence - since.Truncate(time.Second),
			}
		}
	}
	if w.count >= cfg.PhoneMax {
		return Decision{
			Reason:     ReasonHourlyLimit,
			RetryAfter: ceilSeconds(w.first.Add(cfg.PhoneWindow).Sub(now)),
		}
	}

	w.count++
	w.last = now
	l.phones[key] = w
	return allow()
}

// CheckIP applies the per-IP hourly gate and consumes a slot on pass.
func (l *Limiter) CheckIP(ip string) Decision {
	cfg := l.config()
	now := l.clock.Now()

	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	w, ok := l.ips[ip]
	if !ok {
		w = &window{first: now}
	}
	if now.Sub(w.first) > cfg.IPWindow {
		w.count = 0
		w.first = now
	}
	if w.count >= cfg.IPMax {
		return Decision{
			Reason:     ReasonIPHourlyLimit,
			RetryAfter: ceilSeconds(w.first.Add(cfg.IPWindow).Sub(now)),
		}
	}
	w.count++
	w.last = now
	l.ips[ip] = w
	return allow()
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
