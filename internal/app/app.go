package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/observability/debug"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store storage.Store
	reg   *prometheus.Registry

	engine *engine.Service
	sched  *scheduler.Service
	debug  *debug.Service
	notify *systemd.Notifier
	units  unitRunner
	jobs   *jobRegistry

	watchdog   *scheduler.Timer
	warnFiring rate.Sometimes
}

type Option func(*App)

func withUnits(u unitRunner) Option {
	return func(a *App) { a.units = u }
}

// New loads the config and builds every component without starting any.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("firing journal enabled", logx.String("driver", cfg.Storage.Driver))
	}

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng := engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "taskengine")), bus)
	reg.MustRegister(engine.NewCollector(eng))

	sched := scheduler.New(mapSchedulerConfig(cfg), nil, root.With(logx.String("comp", "scheduler")), bus,
		scheduler.WithMetrics(scheduler.NewMetrics(reg)))
	if err := sched.Initialize(); err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		reg:        reg,
		engine:     eng,
		sched:      sched,
		notify:     systemd.NewNotifier(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd"))),
		warnFiring: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	if a.units == nil {
		a.units = systemd.NewUnitManager()
	}
	a.debug = debug.New(mapDebugConfig(cfg), debug.Sources{
		Scheduler: sched,
		Engine:    eng,
		Firings:   store,
		Gatherer:  reg,
		Health:    a.health,
		Trigger:   a.runJob,
	}, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.applyEngine(runCtx, cfg)

	if a.store != nil {
		events, unsub := a.bus.SubscribeFunc(256, eventbus.Filter(
			eventbus.TypeTimerFired, eventbus.TypeTimerOverdue, eventbus.TypeTimerDropped,
		))
		a.sup.Go0("firings.record", func(c context.Context) { a.recordFirings(c, events, unsub) })
	}

	a.jobs = newJobRegistry(a.log.With(logx.String("comp", "jobs")), a.sched, a.units, a.sup)
	a.jobs.setLocation(cfg.Scheduler.Timezone)
	if err := a.jobs.apply(cfg.Jobs, nil); err != nil {
		a.log.Warn("some jobs were not scheduled", logx.Err(err))
	}

	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(runCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else if len(cfg.Jobs) > 0 {
		a.log.Warn("scheduler disabled; configured jobs will not run", logx.Int("jobs", len(cfg.Jobs)))
	}
	a.applyWatchdog(cfg)

	a.debug.Start(runCtx)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notify.Ready()
	a.notify.Status(a.status())
	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)), logx.Bool("scheduler", cfg.Scheduler.Enabled))
	return nil
}

// applyEngine starts or stops the worker pool and points the scheduler at
// it. With the pool off, jobs run inline on the scheduler loop.
func (a *App) applyEngine(ctx context.Context, cfg *config.Config) {
	ec := mapEngineConfig(cfg)
	a.engine.Apply(ctx, ec)
	if ec.Enabled {
		a.engine.Start(ctx)
		a.sched.SetWorkerPool(a.engine)
		return
	}
	a.sched.SetWorkerPool(nil)
}

// applyWatchdog keeps one repeating scheduler job pinging the systemd
// watchdog while systemd.watchdog is set and WATCHDOG_USEC is present.
func (a *App) applyWatchdog(cfg *config.Config) {
	want := cfg.Systemd.Watchdog
	every := systemd.WatchdogInterval()
	if a.watchdog != nil {
		if want && every > 0 && a.watchdog.Period() == every {
			return
		}
		a.watchdog.StopRepeat()
		a.watchdog = nil
	}
	if !want || every <= 0 {
		return
	}
	if !cfg.Scheduler.Enabled {
		a.log.Warn("systemd watchdog requires the scheduler; not pinging")
		return
	}
	t, err := a.sched.Every(every, func(context.Context) error {
		a.notify.Watchdog()
		return nil
	}, scheduler.WithName("systemd.watchdog"))
	if err != nil {
		a.log.Warn("failed to schedule watchdog", logx.Err(err))
		return
	}
	a.watchdog = t
	a.notify.Watchdog()
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
}

// runJob queues an immediate run of a configured job on the worker pool.
func (a *App) runJob(ctx context.Context, name string) error {
	if a.jobs == nil {
		return fmt.Errorf("%w: %s", debug.ErrUnknownJob, name)
	}
	return a.jobs.trigger(ctx, a.engine, name)
}

func (a *App) status() string {
	snap := a.sched.Snapshot()
	return fmt.Sprintf("%d timers pending, %d fired", snap.Pending, snap.Fired)
}

func (a *App) health() []debug.Check {
	var checks []debug.Check
	add := func(name string, err error) {
		c := debug.Check{Name: name, OK: err == nil}
		if err != nil {
			c.Error = err.Error()
		}
		checks = append(checks, c)
	}

	var schedErr error
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled && !a.sched.Running() {
		schedErr = errors.New("scheduler not running")
	}
	add("scheduler", schedErr)
	if sup := a.engine.Supervisor(); sup != nil {
		add("task_engine", sup.Err())
	}
	if a.sup != nil {
		add("app", a.sup.Err())
	}
	return checks
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()
	a.jobs.stopAll()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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

	step("scheduler", 3*time.Second, func(c context.Context) error {
		if err := a.sched.StopAndJoin(c); err != nil {
			return err
		}
		return a.sched.Close()
	})
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	if c, ok := a.units.(interface{ Close() error }); ok {
		_ = c.Close()
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
