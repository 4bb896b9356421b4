package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"timerd/internal/config"
	logx "timerd/pkg/logx"
)

const reloadStepTimeout = 3 * time.Second

// reloadLoop applies every config the manager publishes.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg == nil {
				continue
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify.SetEnabled(next.Systemd.Notify)
	a.notify.Reloading()
	defer func() {
		a.notify.Ready()
		a.notify.Status(a.status())
	}()

	has := func(s string) bool { return slices.Contains(sections, s) }

	if has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if has("task_engine") || next.EngineEnabled() != prev.EngineEnabled() {
		// ctx parents the engine supervisor.
		a.applyEngine(ctx, next)
	}

	if has("scheduler") {
		a.sched.Apply(mapSchedulerConfig(next))
		a.jobs.setLocation(next.Scheduler.Timezone)
		if strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
			changedJobs = mergeNames(changedJobs, wallClockJobs(next.Jobs))
		}
		switch {
		case next.Scheduler.Enabled && !a.sched.Running():
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("failed to start scheduler", logx.Err(err))
			} else {
				a.log.Info("scheduler enabled via config")
			}
		case !next.Scheduler.Enabled && a.sched.Running():
			stepCtx, cancel := context.WithTimeout(ctx, reloadStepTimeout)
			_ = a.sched.StopAndJoin(stepCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		}
	}

	if len(changedJobs) > 0 {
		if err := a.jobs.apply(next.Jobs, changedJobs); err != nil {
			a.log.Warn("some jobs were not rescheduled", logx.Err(err))
		}
	}
	if has("systemd") || has("scheduler") {
		a.applyWatchdog(next)
	}
	if has("debug") {
		a.debug.Reconfigure(ctx, mapDebugConfig(next))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// wallClockJobs lists jobs whose next occurrence depends on the time zone.
func wallClockJobs(jobs []config.JobConfig) []string {
	var out []string
	for _, j := range jobs {
		kind, _, err := j.Trigger()
		if err != nil {
			continue
		}
		if kind == config.TriggerCron || config.ClockFields(kind) > 0 {
			out = append(out, strings.TrimSpace(j.Name))
		}
	}
	return out
}

func mergeNames(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}
