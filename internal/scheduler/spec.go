package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Off disables a job.
const Off = "off"

// ErrDisabled is returned by ParseSpec for "off".
var ErrDisabled = errors.New("schedule disabled")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec parses a job schedule.
//
// Supported forms:
//   - cron: "*/5 * * * *", "0 30 3 * * *", "@hourly", "@every 10m"
//   - bare interval: "10m", "2h30m" (same as "@every 10m")
//   - "off"
func ParseSpec(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("schedule required")
	}
	if strings.EqualFold(s, Off) {
		return nil, ErrDisabled
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0: %q", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

// ValidSpec reports a parse error for anything other than a usable spec or
// "off". Empty is valid and means the job default.
func ValidSpec(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := ParseSpec(raw); err != nil && !errors.Is(err, ErrDisabled) {
		return err
	}
	return nil
}
