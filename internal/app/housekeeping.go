package app

import (
	"context"
	"time"

	"courier/internal/config"
	"courier/internal/scheduler"
	logx "courier/pkg/logx"
)

const (
	jobLimiterSweep  = "limiter.sweep"
	jobUploadCleanup = "uploads.cleanup"
	jobCodePrune     = "codes.prune"
)

func (a *App) housekeepingJobs(cfg *config.Config) []scheduler.Job {
	return []scheduler.Job{
		{
			Name:    jobLimiterSweep,
			Spec:    jobSpec(cfg.Scheduler.LimiterSweep, defaultLimiterSweep),
			Timeout: 30 * time.Second,
			Run:     a.sweepLimiter,
		},
		{
			Name:    jobUploadCleanup,
			Spec:    jobSpec(cfg.Scheduler.UploadCleanup, defaultUploadCleanup),
			Timeout: 5 * time.Minute,
			Run:     a.cleanupUploads,
		},
		{
			Name:    jobCodePrune,
			Spec:    jobSpec(cfg.Scheduler.CodePrune, defaultCodePrune),
			Timeout: 30 * time.Second,
			Run:     a.pruneCodes,
		},
	}
}

// registerJobs (re)installs every housekeeping job. A bad spec keeps the
// job's previous schedule.
func (a *App) registerJobs(cfg *config.Config) {
	for _, j := range a.housekeepingJobs(cfg) {
		if err := a.sched.Set(j); err != nil {
			a.log.Warn("invalid job schedule; keeping previous", logx.String("job", j.Name), logx.Err(err))
		}
	}
}

func (a *App) sweepLimiter(context.Context) error {
	a.limiter.Sweep()
	return nil
}

func (a *App) cleanupUploads(context.Context) error {
	_, err := a.uploads.Cleanup()
	return err
}

func (a *App) pruneCodes(ctx context.Context) error {
	n, err := a.store.PruneVerificationCodes(ctx, time.Now())
	if n > 0 {
		a.log.Debug("expired verification codes pruned", logx.Int64("count", n))
	}
	return err
}
