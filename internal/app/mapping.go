package app

import (
	"strings"
	"time"

	"timerd/internal/config"
	"timerd/internal/observability/debug"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

// The map* helpers translate validated config into component configs.
// Unparsable durations fall back to defaults; Validate rejects them earlier.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Journal: logx.JournalConfig{
			Enabled:    l.Journal.Enabled,
			MinLevel:   l.Journal.MinLevel,
			RatePerSec: l.Journal.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		Overtime:   s.OvertimeDuration(),
		SafetyWait: s.SafetyWaitDuration(),
		Timezone:   strings.TrimSpace(s.Timezone),
		Alarm:      s.AlarmKind(),
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	ec := engine.Config{Enabled: cfg.EngineEnabled()}
	if te := cfg.TaskEngine; te != nil {
		ec.Workers = te.Workers
		ec.QueueSize = te.QueueSize
		ec.DefaultTimeout = te.DefaultTimeoutDuration()
		ec.MaxQueueDelay = te.MaxQueueDelayDuration()
		ec.HistorySize = te.HistorySize
		ec.RetryMax = te.RetryMax
		if b := te.Breaker; b != nil {
			ec.Breaker = engine.BreakerConfig{
				Trip:        b.Trip,
				Cooldown:    b.CooldownDuration(),
				MaxCooldown: b.MaxCooldownDuration(),
				ResetAfter:  b.ResetAfterDuration(),
			}
		}
	}
	return ec
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	st := cfg.Storage
	if st == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:        strings.TrimSpace(st.Path),
		BusyTimeout: st.BusyTimeoutDuration(),
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	dur := func(raw string) time.Duration {
		v, _ := config.ParseDurationOrDefault("debug", raw, 0)
		return v
	}
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          dur(d.ReadTimeout),
		WriteTimeout:         dur(d.WriteTimeout),
		IdleTimeout:          dur(d.IdleTimeout),
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
