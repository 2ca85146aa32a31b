package ratelimit

import logx "courier/pkg/logx"

type Stats struct {
	Phones int `json:"phones"`
	IPs    int `json:"ips"`
	Locked int `json:"locked"`
}

// Sweep drops entries that can no longer influence a decision.
//
// A phone window goes once its hour is over and its cadence gap has passed.
// A lockout entry goes only after its lock expired more than LockoutRetains
// ago; entries that never locked are kept.
func (l *Limiter) Sweep() Stats {
	cfg := l.config()
	now := l.clock.Now()
	var removed Stats

	l.phoneMu.Lock()
	for k, w := range l.phones {
		if now.Sub(w.first) > cfg.PhoneWindow && now.Sub(w.last) >= cfg.PhoneCadence {
			delete(l.phones, k)
			removed.Phones++
		}
	}
	l.phoneMu.Unlock()

	l.ipMu.Lock()
	for k, w := range l.ips {
		if now.Sub(w.first) > cfg.IPWindow {
			delete(l.ips, k)
			removed.IPs++
		}
	}
	l.ipMu.Unlock()

	l.lockMu.Lock()
	for k, st := range l.locks {
		if st.lockedUntil.IsZero() {
			continue
		}
		if now.Sub(st.lockedUntil) > cfg.LockoutRetains {
			delete(l.locks, k)
			removed.Locked++
		}
	}
	l.lockMu.Unlock()

	if removed.Phones+removed.IPs+removed.Locked > 0 {
		l.log.Debug("rate limiter sweep",
			logx.Int("phones", removed.Phones),
			logx.Int("ips", removed.IPs),
			logx.Int("locks", removed.Locked),
		)
	}
	return removed
}

func (l *Limiter) Stats() Stats {
	now := l.clock.Now()
	var s Stats

	l.phoneMu.Lock()
	s.Phones = len(l.phones)
	l.phoneMu.Unlock()

	l.ipMu.Lock()
	s.IPs = len(l.ips)
	l.ipMu.Unlock()

	l.lockMu.Lock()
	for _, st := range l.locks {
		if st.locked(now) {
			s.Locked++
		}
	}
	l.lockMu.Unlock()
	return s
}
