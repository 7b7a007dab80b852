package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"invoiced/internal/config"
	"invoiced/internal/eventbus"
	"invoiced/internal/observability/admin"
	rtsup "invoiced/internal/runtime/supervisor"
	"invoiced/internal/storage"
	"invoiced/internal/task/scheduler"
	"invoiced/internal/transport/telegram"
	logx "invoiced/pkg/logx"
)

// App wires config, logging, storage, the scheduler, its jobs and the admin
// endpoint into one process.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clockwork.Clock

	sched       *scheduler.Service
	stopTimeout time.Duration
	admin       *admin.Service

	jobsMu sync.Mutex
	jobs   map[string]registeredJob

	watch bool
}

type Option func(*options)

type options struct {
	lookup func(string) (string, bool)
	clock  clockwork.Clock
	watch  bool
}

// WithEnv replaces os.LookupEnv for environment overrides.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = lookup }
}

// WithClock drives the scheduler and jobs from c instead of the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithConfigWatch toggles hot reload on config file changes. Default on.
func WithConfigWatch(enabled bool) Option {
	return func(o *options) { o.watch = enabled }
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{lookup: os.LookupEnv, clock: clockwork.NewRealClock(), watch: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnv(o.lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the sender before the logging service exists.
	var sender logx.AlertSender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		s, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = s
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), sender)
	appLog := log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, stopTimeout, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, errors.Join(err, closeStore(store), logSvc.Close())
	}
	bus := eventbus.New()
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus, scheduler.WithClock(o.clock))

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, errors.Join(err, closeStore(store), logSvc.Close())
	}
	var runs admin.Runs
	if store != nil {
		runs = store
	}
	adminSvc := admin.New(adminCfg, sched, runs, log.With(logx.String("comp", "admin")))

	a := &App{
		cfgm:        cfgm,
		log:         appLog,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		clock:       o.clock,
		sched:       sched,
		stopTimeout: stopTimeout,
		admin:       adminSvc,
		jobs:        map[string]registeredJob{},
		watch:       o.watch,
	}

	specs, err := desiredJobs(cfg, store, o.clock, log)
	if err != nil {
		return nil, errors.Join(err, closeStore(store), logSvc.Close())
	}
	a.reconcileJobs(specs)
	return a, nil
}

func closeStore(st storage.Store) error {
	if st == nil {
		return nil
	}
	return st.Close()
}

// Scheduler exposes the scheduler for host code that registers its own jobs.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Admin exposes the admin endpoint (for its bound address).
func (a *App) Admin() *admin.Service { return a.admin }

// Store returns the opened store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

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

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, scheduler.EventJobFinished, scheduler.EventJobFailed)
		a.sup.Go0("history.record", func(c context.Context) {
			defer unsub()
			a.recordRuns(c, events)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// debug only; schedulers with short intervals are chatty
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sched.Start(a.sup.Context())
	a.admin.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	if a.watch {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if iv := watchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.runWatchdog(c, iv) })
	}
	notifyReady(a.log)

	a.log.Info("app started", logx.Int("jobs", len(a.sched.Jobs())))
	return nil
}

func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := desiredJobs(cfg, a.store, a.clock, logx.Nop())
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)

	for _, s := range sections {
		switch s {
		case "storage", "telegram", "scheduler":
			a.log.Warn(s+" config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ac, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}

	if specs, err := desiredJobs(next, a.store, a.clock, a.log); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.reconcileJobs(specs)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

// Stop shuts components down in dependency order, each step bounded so one
// slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// in-flight runs finish before their events are drained into storage
	step("scheduler", a.stopTimeout, func(c context.Context) error {
		if err := a.sched.Stop(c); err != nil {
			return err
		}
		return a.sched.Wait(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		a.sup.Cancel()
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(c context.Context) error { return closeStore(a.store) })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
