// Package scheduler runs named housekeeping jobs (limiter sweeps, upload
// cleanup, expired code pruning) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "courier/pkg/logx"
)

type Config struct {
	// Timezone for cron specs; empty means the host's local zone.
	Timezone string
}

// Job is a named periodic task. Runs of the same job never overlap: a tick
// that finds the previous run still going is skipped.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next,omitempty"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastTook  time.Duration `json:"last_took,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      uint64        `json:"runs"`
	Skipped   uint64        `json:"skipped"`
}

type stats struct {
	mu        sync.Mutex
	lastRun   time.Time
	lastTook  time.Duration
	lastError string
	runs      uint64
	skipped   uint64
}

// entry is immutable once registered; Set replaces it. running and st are
// carried over so a replaced job keeps its history and overlap guard.
type entry struct {
	job     Job
	sched   cron.Schedule
	id      cron.EntryID
	running *atomic.Bool
	st      *stats
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	ctx  context.Context
	c    *cron.Cron
	loc  *time.Location
	jobs map[string]*entry
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, jobs: map[string]*entry{}}
}

// Set registers or replaces a job. A spec of "off" removes it.
func (s *Service) Set(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job name and func are required")
	}
	sched, err := ParseSpec(j.Spec)
	if errors.Is(err, ErrDisabled) {
		if s.Remove(j.Name) {
			s.log.Info("job disabled", logx.String("job", j.Name))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", j.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{job: j, sched: sched, running: &atomic.Bool{}, st: &stats{}}
	if old := s.jobs[j.Name]; old != nil {
		if s.c != nil {
			s.c.Remove(old.id)
		}
		e.running, e.st = old.running, old.st
	}
	s.jobs[j.Name] = e
	if s.c != nil {
		s.addLocked(e)
	}
	return nil
}

// Remove unregisters a job and reports whether it existed. A run in flight
// finishes normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[name]
	if e == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) addLocked(e *entry) {
	ctx := s.ctx
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() { s.run(ctx, e) }))
}

// RunNow runs a registered job synchronously, subject to the same overlap
// guard as scheduled runs.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, e)
}

func (s *Service) run(ctx context.Context, e *entry) error {
	name := e.job.Name
	if !e.running.CompareAndSwap(false, true) {
		e.st.mu.Lock()
		e.st.skipped++
		e.st.mu.Unlock()
		s.log.Warn("job still running; tick skipped", logx.String("job", name))
		return nil
	}
	defer e.running.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.call(ctx, e.job)
	took := time.Since(start)

	e.st.mu.Lock()
	e.st.runs++
	e.st.lastRun = start
	e.st.lastTook = took
	e.st.lastError = ""
	if err != nil {
		e.st.lastError = err.Error()
	}
	e.st.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", took))
	}
	return err
}

func (s *Service) call(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// Start begins triggering registered jobs. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		s.addLocked(e)
	}
	s.c.Start()
}

// Stop halts triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop deadline reached with jobs running")
	}
}

// Apply updates the config; a timezone change restarts triggering.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Snapshot lists jobs by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		info := JobInfo{Name: name, Spec: e.job.Spec}
		if s.c != nil {
			info.Next = s.c.Entry(e.id).Next
		}
		e.st.mu.Lock()
		info.LastRun = e.st.lastRun
		info.LastTook = e.st.lastTook
		info.LastError = e.st.lastError
		info.Runs = e.st.runs
		info.Skipped = e.st.skipped
		e.st.mu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
