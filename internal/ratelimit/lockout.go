package ratelimit

import (
	"time"

	logx "courier/pkg/logx"
)

// CheckVerification rejects while the phone is locked. Once the lock has
// expired the failure count is reset and the phone is open again.
func (l *Limiter) CheckVerification(phone string) Decision {
	key := HashPhone(phone)
	now := l.clock.Now()

	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	st, ok := l.locks[key]
	if !ok {
		return allow()
	}
	if st.locked(now) {
		return Decision{Reason: ReasonLocked, RetryAfter: ceilSeconds(st.lockedUntil.Sub(now))}
	}
	if st.expired(now) {
		st.failures = 0
		st.lockedUntil = time.Time{}
	}
	return allow()
}

// RecordFailedVerification counts a wrong or unknown code and locks the
// phone when the threshold is reached.
func (l *Limiter) RecordFailedVerification(phone string) {
	cfg := l.config()
	key := HashPhone(phone)
	now := l.clock.Now()

	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	st, ok := l.locks[key]
	if !ok {
		st = &lockout{}
		l.locks[key] = st
	}
	if st.expired(now) {
		st.failures = 0
		st.lockedUntil = time.Time{}
	}
	st.failures++
	if st.failures >= cfg.MaxFailures && st.lockedUntil.IsZero() {
		st.lockedUntil = now.Add(cfg.LockoutFor)
		l.log.Warn("phone locked after failed verifications", logx.String("phone_key", key[:12]), logx.Int("failures", st.failures), logx.Duration("for", cfg.LockoutFor))
	}
}

// ClearVerification returns the phone to the open state. Unknown phones are a no-op.
func (l *Limiter) ClearVerification(phone string) {
	key := HashPhone(phone)
	l.lockMu.Lock()
	delete(l.locks, key)
	l.lockMu.Unlock()
}

// Failures reports the current failure count (test and status helper).
func (l *Limiter) Failures(phone string) int {
	key := HashPhone(phone)
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	if st, ok := l.locks[key]; ok {
		return st.failures
	}
	return 0
}
