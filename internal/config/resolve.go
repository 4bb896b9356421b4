package config

import (
	"strings"
	"time"
)

// Resolved accessors. They assume Validate passed and fall back to defaults
// for anything unparsable.

func (s SchedulerConfig) OvertimeDuration() time.Duration { return durationOr(s.Overtime, 0) }

func (s SchedulerConfig) SafetyWaitDuration() time.Duration {
	return durationOr(s.SafetyWait, time.Hour)
}

func (s SchedulerConfig) AlarmKind() string {
	if a := strings.ToLower(strings.TrimSpace(s.Alarm)); a != "" {
		return a
	}
	return "auto"
}

// EngineEnabled follows scheduler.enabled unless task_engine.enabled is set.
func (c *Config) EngineEnabled() bool {
	if c.TaskEngine != nil && c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

func (t *TaskEngineConfig) DefaultTimeoutDuration() time.Duration {
	if t == nil {
		return 0
	}
	return durationOr(t.DefaultTimeout, 0)
}

func (t *TaskEngineConfig) MaxQueueDelayDuration() time.Duration {
	if t == nil {
		return 0
	}
	return durationOr(t.MaxQueueDelay, 0)
}

func (b *BreakerConfig) CooldownDuration() time.Duration {
	if b == nil {
		return 0
	}
	return durationOr(b.Cooldown, 0)
}

func (b *BreakerConfig) MaxCooldownDuration() time.Duration {
	if b == nil {
		return 0
	}
	return durationOr(b.MaxCooldown, 0)
}

func (b *BreakerConfig) ResetAfterDuration() time.Duration {
	if b == nil {
		return 0
	}
	return durationOr(b.ResetAfter, 0)
}

func (s *StorageConfig) BusyTimeoutDuration() time.Duration {
	if s == nil {
		return 0
	}
	return durationOr(s.BusyTimeout, 5*time.Second)
}

func (j JobConfig) TimeoutDuration() time.Duration { return durationOr(j.Timeout, 0) }

// SkipOverlap reports whether a new occurrence is skipped while the previous
// one still runs.
func (j JobConfig) SkipOverlap() bool {
	return strings.EqualFold(strings.TrimSpace(j.Overlap), "skip")
}
