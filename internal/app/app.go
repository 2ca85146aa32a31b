package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/httpapi"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/scheduler"
	"courier/internal/storage"
	"courier/internal/transport"
	"courier/internal/transport/telegram"
	"courier/internal/uploads"
	"courier/internal/verify"
	logx "courier/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store      storage.Store
	uploads    *uploads.Store
	pool       *transport.Pool
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	verify     *verify.Service
	sched      *scheduler.Service
	http       *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	envFiles, err := loadDotEnv(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	if len(envFiles) > 0 {
		log.Debug("environment files loaded", logx.String("files", strings.Join(envFiles, ",")))
	}

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires every service from cfg. On error the caller closes whatever
// was opened.
func (a *App) build(cfg *config.Config) error {
	sub := func(comp string) logx.Logger { return a.logs.Logger().With(logx.String("comp", comp)) }

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, sub("storage"))
	if err != nil {
		return err
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	uc, err := mapUploadsConfig(cfg)
	if err != nil {
		return err
	}
	a.uploads, err = uploads.New(uc, sub("uploads"))
	if err != nil {
		return err
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	a.pool = transport.NewPool(telegram.NewFactory(tc, sub("telegram")))

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	ac, err := mapAttachmentConfig(cfg, a.uploads.MaxSize())
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(dc, dispatch.NewAttachmentCache(ac, sub("attachments")), sub("dispatch"))

	rc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(rc, sub("ratelimit"))

	vc, err := mapVerifyConfig(cfg)
	if err != nil {
		return err
	}
	sender := verify.NewBotSender(a.store, a.pool, vc.CodeTTL, sub("verify"))
	a.verify = verify.NewService(vc, a.limiter, a.store, sender, sub("verify"))

	a.sched = scheduler.New(mapSchedulerConfig(cfg), sub("scheduler"))
	a.registerJobs(cfg)

	hc, err := mapHTTPConfig(cfg, strings.TrimSpace(os.Getenv(config.EnvAPIKey)) != "")
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Store:      a.store,
		Pool:       a.pool,
		Dispatcher: a.dispatcher,
		Uploads:    a.uploads,
		Verify:     a.verify,
		Limiter:    a.limiter,
		Bus:        a.bus,
		Jobs:       a.sched,
	}, sub("http"))
	return nil
}

// validate is run on every reload before the new config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg, false); err != nil {
		return err
	}
	return validateSchedules(cfg)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound listen address, empty until the server is up.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	a.sched.Start(a.sup.Context())
	a.sup.Go("uploads.startup_cleanup", func(c context.Context) error {
		if err := a.cleanupUploads(c); err != nil {
			a.log.Warn("startup upload cleanup failed", logx.Err(err))
		}
		return nil
	})

	events, unsubscribe := a.bus.Subscribe(64)
	a.sup.Go("events.log", func(c context.Context) error {
		defer unsubscribe()
		evLog := a.log.With(logx.String("comp", "events"))
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Type == eventbus.TypeDispatchProgress {
					continue
				}
				evLog.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-updates:
				if !ok {
					return nil
				}
				// coalesce bursts: apply only the newest config
			drain:
				for {
					select {
					case next, ok := <-updates:
						if !ok {
							break drain
						}
						newCfg = next
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go("http", func(c context.Context) error {
		return a.http.Run(c, a.ready)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// ready tells systemd the service is up. Outside systemd it is a no-op.
func (a *App) ready(addr string) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify ready sent", logx.String("addr", addr))
	}
}

// applyConfig applies the sections that can change at runtime and warns
// about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dc)
	}

	if rc, err := mapRateLimitConfig(newCfg); err != nil {
		a.log.Warn("invalid ratelimit config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(rc)
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.registerJobs(newCfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so the HTTP server starts draining immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 15*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// a stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
