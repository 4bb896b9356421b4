package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"timerd/pkg/systemd"
)

// CronParser parses jobs[].cron specs: seconds first, descriptors allowed.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger kinds of a JobConfig.
const (
	TriggerAt       = "at"
	TriggerAfter    = "after"
	TriggerEvery    = "every"
	TriggerDaily    = "daily"
	TriggerHourly   = "hourly"
	TriggerMinutely = "minutely"
	TriggerCron     = "cron"
)

// Trigger returns the kind and raw value of the single trigger set on j.
func (j JobConfig) Trigger() (kind, value string, err error) {
	set := 0
	for _, t := range []struct{ kind, v string }{
		{TriggerAt, j.At}, {TriggerAfter, j.After}, {TriggerEvery, j.Every},
		{TriggerDaily, j.Daily}, {TriggerHourly, j.Hourly}, {TriggerMinutely, j.Minutely},
		{TriggerCron, j.Cron},
	} {
		if v := strings.TrimSpace(t.v); v != "" {
			set++
			kind, value = t.kind, v
		}
	}
	switch set {
	case 0:
		return "", "", errors.New("no trigger set")
	case 1:
		return kind, value, nil
	default:
		return "", "", fmt.Errorf("%d triggers set, want exactly one", set)
	}
}

// clockFields is the number of clock fields each wall-clock trigger takes.
var clockFields = map[string]int{TriggerDaily: 3, TriggerHourly: 2, TriggerMinutely: 1}

// ClockFields returns how many ParseClock fields a wall-clock trigger kind
// takes, or 0.
func ClockFields(kind string) int { return clockFields[kind] }

// ParseClock parses "HH:MM:SS", "MM:SS" or "SS" depending on want (3, 2 or
// 1 fields). Missing leading fields are returned as -1.
func ParseClock(raw string, want int) (hour, minute, second int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != want {
		return 0, 0, 0, fmt.Errorf("invalid clock %q: want %d fields", raw, want)
	}
	vals := []int{-1, -1, -1}
	limits := []int{23, 59, 59}
	off := 3 - want
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid clock %q: %w", raw, err)
		}
		if n < 0 || n > limits[off+i] {
			return 0, 0, 0, fmt.Errorf("invalid clock %q: field %d out of range", raw, i+1)
		}
		vals[off+i] = n
	}
	return vals[0], vals[1], vals[2], nil
}

func (j JobConfig) validate() error {
	var errs []error
	kind, value, err := j.Trigger()
	if err != nil {
		errs = append(errs, err)
	}
	switch kind {
	case TriggerAt:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			errs = append(errs, fmt.Errorf("at: %w", err))
		}
	case TriggerAfter, TriggerEvery:
		d, err := ParseDurationField(kind, value)
		if err != nil {
			errs = append(errs, err)
		} else if kind == TriggerEvery && d <= 0 {
			errs = append(errs, errors.New("every: must be > 0"))
		}
	case TriggerDaily, TriggerHourly, TriggerMinutely:
		if _, _, _, err := ParseClock(value, clockFields[kind]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	case TriggerCron:
		if _, err := CronParser.Parse(value); err != nil {
			errs = append(errs, fmt.Errorf("cron: %w", err))
		}
	}

	hasCmd := len(j.Command) > 0
	hasMsg := strings.TrimSpace(j.Message) != ""
	actions := 0
	for _, b := range []bool{hasCmd, hasMsg, j.Unit != nil} {
		if b {
			actions++
		}
	}
	if actions != 1 {
		errs = append(errs, errors.New("exactly one of command, message or unit must be set"))
	}
	if j.Unit != nil {
		if strings.TrimSpace(j.Unit.Name) == "" {
			errs = append(errs, errors.New("unit.name is required"))
		}
		if _, err := systemd.ParseUnitOp(j.Unit.Op); err != nil {
			errs = append(errs, fmt.Errorf("unit.op: %w", err))
		}
	}
	if _, err := ParseDurationField("timeout", j.Timeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(j.Overlap)) {
	case "", "allow", "skip":
	default:
		errs = append(errs, fmt.Errorf("overlap: unknown policy %q", j.Overlap))
	}
	if j.Retry < 0 {
		errs = append(errs, errors.New("retry: must be >= 0"))
	}
	if j.Breaker < -1 {
		errs = append(errs, errors.New("breaker: must be >= -1"))
	}
	return errors.Join(errs...)
}

// Validate checks values the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("scheduler.overtime", cfg.Scheduler.Overtime)
	check("scheduler.safety_wait", cfg.Scheduler.SafetyWait)
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.Alarm)) {
	case "", "auto", "timerfd", "clock":
	default:
		errs = append(errs, fmt.Errorf("scheduler.alarm: unknown alarm %q", cfg.Scheduler.Alarm))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		check("task_engine.default_timeout", te.DefaultTimeout)
		check("task_engine.max_queue_delay", te.MaxQueueDelay)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: counts must be >= 0"))
		}
		if b := te.Breaker; b != nil {
			check("task_engine.breaker.cooldown", b.Cooldown)
			check("task_engine.breaker.max_cooldown", b.MaxCooldown)
			check("task_engine.breaker.reset_after", b.ResetAfter)
			if b.Trip < 0 {
				errs = append(errs, errors.New("task_engine.breaker.trip: must be >= 0"))
			}
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		check("storage.busy_timeout", st.BusyTimeout)
	}

	check("debug.read_timeout", cfg.Debug.ReadTimeout)
	check("debug.write_timeout", cfg.Debug.WriteTimeout)
	check("debug.idle_timeout", cfg.Debug.IdleTimeout)

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
		}
		seen[name] = struct{}{}
		if err := j.validate(); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] %q: %w", i, name, err))
		}
	}
	return errors.Join(errs...)
}
