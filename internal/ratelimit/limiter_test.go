package ratelimit

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/clock"
	logx "courier/pkg/logx"
)

const testPhone = "+79161234567"

func newTestLimiter() (*Limiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(Config{}, logx.Nop(), WithClock(clk)), clk
}

func TestCheckSMSCadence(t *testing.T) {
	l, clk := newTestLimiter()

	if d := l.CheckSMS(testPhone); !d.Allowed {
		t.Fatalf("first request rejected: %+v", d)
	}

	clk.Advance(30*time.Second + 400*time.Millisecond)
	d := l.CheckSMS(testPhone)
	if d.Allowed || d.Reason != ReasonTooFrequent {
		t.Fatalf("second request = %+v, want too frequent", d)
	}
	if d.RetryAfterSeconds() != 30 {
		t.Fatalf("retry after = %ds, want 30", d.RetryAfterSeconds())
	}

	clk.Advance(30 * time.Second)
	if d := l.CheckSMS(testPhone); !d.Allowed {
		t.Fatalf("request after the cadence gap rejected: %+v", d)
	}
}

func TestCheckSMSHourlyLimit(t *testing.T) {
	l, clk := newTestLimiter()
	start := clk.Now()

	for i := 0; i < 5; i++ {
		if d := l.CheckSMS(testPhone); !d.Allowed {
			t.Fatalf("request %d rejected: %+v", i+1, d)
		}
		clk.Advance(61 * time.Second)
	}

	d := l.CheckSMS(testPhone)
	if d.Allowed || d.Reason != ReasonHourlyLimit {
		t.Fatalf("sixth request = %+v, want hourly limit", d)
	}
	want := start.Add(time.Hour).Sub(clk.Now())
	if d.RetryAfter != want {
		t.Fatalf("retry after = %v, want %v", d.RetryAfter, want)
	}

	clk.Set(start.Add(time.Hour + time.Second))
	if d := l.CheckSMS(testPhone); !d.Allowed {
		t.Fatalf("request in a new window rejected: %+v", d)
	}
}

func TestCheckSMSPhonesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	if !l.CheckSMS(testPhone).Allowed {
		t.Fatal("first phone rejected")
	}
	if !l.CheckSMS("+375291234567").Allowed {
		t.Fatal("second phone rejected")
	}
}

func TestCheckIPHourlyLimit(t *testing.T) {
	l, clk := newTestLimiter()
	for i := 0; i < 10; i++ {
		if d := l.CheckIP("10.0.0.1"); !d.Allowed {
			t.Fatalf("request %d rejected: %+v", i+1, d)
		}
	}
	clk.Advance(10 * time.Minute)
	d := l.CheckIP("10.0.0.1")
	if d.Allowed || d.Reason != ReasonIPHourlyLimit {
		t.Fatalf("11th request = %+v, want IP hourly limit", d)
	}
	if d.RetryAfter != 50*time.Minute {
		t.Fatalf("retry after = %v, want 50m", d.RetryAfter)
	}
	if !l.CheckIP("10.0.0.2").Allowed {
		t.Fatal("other IP rejected")
	}
}

func TestLockoutLifecycle(t *testing.T) {
	l, clk := newTestLimiter()

	for i := 0; i < 4; i++ {
		l.RecordFailedVerification(testPhone)
		if d := l.CheckVerification(testPhone); !d.Allowed {
			t.Fatalf("locked after %d failures", i+1)
		}
	}
	l.RecordFailedVerification(testPhone)

	d := l.CheckVerification(testPhone)
	if d.Allowed || d.Reason != ReasonLocked {
		t.Fatalf("decision = %+v, want locked", d)
	}
	if d.RetryAfterSeconds() != 900 {
		t.Fatalf("retry after = %ds, want 900", d.RetryAfterSeconds())
	}
	if s := l.Stats(); s.Locked != 1 {
		t.Fatalf("stats locked = %d, want 1", s.Locked)
	}

	clk.Advance(15 * time.Minute)
	if d := l.CheckVerification(testPhone); !d.Allowed {
		t.Fatalf("still locked after expiry: %+v", d)
	}
	if n := l.Failures(testPhone); n != 0 {
		t.Fatalf("failures after expiry = %d, want 0", n)
	}
}

func TestClearVerification(t *testing.T) {
	l, _ := newTestLimiter()

	l.ClearVerification("+79990000000")
	if s := l.Stats(); s != (Stats{}) {
		t.Fatalf("clear of an unknown phone changed state: %+v", s)
	}

	for i := 0; i < 5; i++ {
		l.RecordFailedVerification(testPhone)
	}
	l.ClearVerification(testPhone)
	if d := l.CheckVerification(testPhone); !d.Allowed {
		t.Fatalf("cleared phone still locked: %+v", d)
	}
}

func TestCheckSMSConcurrentCadence(t *testing.T) {
	l, _ := newTestLimiter()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckSMS(testPhone).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 1 {
		t.Fatalf("%d concurrent requests passed the cadence gate, want 1", got)
	}
}

func TestSweep(t *testing.T) {
	l, clk := newTestLimiter()

	l.CheckSMS(testPhone)
	l.CheckIP("10.0.0.1")
	for i := 0; i < 5; i++ {
		l.RecordFailedVerification(testPhone)
	}
	l.RecordFailedVerification("+375291234567")

	clk.Advance(61 * time.Minute)
	removed := l.Sweep()
	if removed.Phones != 1 || removed.IPs != 1 || removed.Locked != 0 {
		t.Fatalf("removed = %+v", removed)
	}

	clk.Advance(15 * time.Minute)
	if removed := l.Sweep(); removed.Locked != 1 {
		t.Fatalf("expired lock not swept: %+v", removed)
	}
	if l.Failures("+375291234567") != 1 {
		t.Fatal("unlocked failure counter should survive the sweep")
	}
}

func TestSweepKeepsOpenCadence(t *testing.T) {
	l, clk := newTestLimiter()

	l.CheckSMS(testPhone)
	clk.Advance(59*time.Minute + 50*time.Second)
	if !l.CheckSMS(testPhone).Allowed {
		t.Fatal("second request rejected")
	}
	clk.Advance(20 * time.Second)

	if removed := l.Sweep(); removed.Phones != 0 {
		t.Fatalf("sweep removed a phone inside its cadence gap")
	}
	if d := l.CheckSMS(testPhone); d.Reason != ReasonTooFrequent {
		t.Fatalf("decision after sweep = %+v, want too frequent", d)
	}
}

func TestReasonStrings(t *testing.T) {
	for _, r := range []Reason{ReasonTooFrequent, ReasonHourlyLimit, ReasonIPHourlyLimit, ReasonLocked} {
		if r.String() == "" {
			t.Fatalf("reason %d has no text", r)
		}
	}
	if !strings.Contains(ReasonIPHourlyLimit.String(), "IP") {
		t.Fatalf("IP reason = %q", ReasonIPHourlyLimit)
	}
}

func TestHashPhoneNeverRaw(t *testing.T) {
	h := HashPhone(testPhone)
	if len(h) != 64 || strings.Contains(h, "9161234567") {
		t.Fatalf("hash = %q", h)
	}
}
