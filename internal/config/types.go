package config

// Config is the daemon configuration. Durations are Go duration strings
// ("500ms", "10s", "1h").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Debug      DebugConfig       `json:"debug,omitempty"`
	Systemd    SystemdConfig     `json:"systemd,omitempty"`
	Jobs       []JobConfig       `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the timer scheduler.
//
// Defaults:
//   - overtime: "0s" (unbounded; late occurrences always run)
//   - safety_wait: "1h"
//   - timezone: local
//   - alarm: "auto"
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Overtime   string `json:"overtime,omitempty"`
	SafetyWait string `json:"safety_wait,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	// Alarm is "auto", "timerfd" or "clock".
	Alarm string `json:"alarm,omitempty"`
}

// TaskEngineConfig controls the worker pool jobs are dispatched to.
//
// Enabled is a pointer so an omitted value can follow scheduler.enabled.
// When the engine is disabled, jobs run inline on the scheduler loop.
//
// Defaults:
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops tasks queued longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	Breaker *BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig pauses a job after Trip consecutive failed runs.
//
//	"breaker": { "trip": 5, "cooldown": "5s", "max_cooldown": "2m" }
type BreakerConfig struct {
	Trip        int    `json:"trip,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
	MaxCooldown string `json:"max_cooldown,omitempty"`
	ResetAfter  string `json:"reset_after,omitempty"`
}

// StorageConfig enables the firing journal.
//
//	"storage": { "driver": "sqlite", "path": "./timerd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the diagnostics HTTP server.
//
// Prefer a loopback address. A non-loopback address needs a token or an
// explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
	// Watchdog pings at half of WATCHDOG_USEC.
	Watchdog bool `json:"watchdog"`
}

// JobConfig is one configured job. Exactly one trigger (at, after, every,
// daily, hourly, minutely, cron) and one action (command, message, unit)
// must be set.
type JobConfig struct {
	Name string `json:"name"`

	At       string `json:"at,omitempty"`       // RFC3339
	After    string `json:"after,omitempty"`    // duration
	Every    string `json:"every,omitempty"`    // duration
	Daily    string `json:"daily,omitempty"`    // HH:MM:SS
	Hourly   string `json:"hourly,omitempty"`   // MM:SS
	Minutely string `json:"minutely,omitempty"` // SS
	Cron     string `json:"cron,omitempty"`     // seconds-first cron spec

	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Message string            `json:"message,omitempty"`
	Unit    *UnitAction       `json:"unit,omitempty"`

	Timeout string `json:"timeout,omitempty"`
	// Overlap is "allow" (default) or "skip".
	Overlap string `json:"overlap,omitempty"`
	Retry   int    `json:"retry,omitempty"`
	// Breaker overrides task_engine.breaker.trip; -1 disables it.
	Breaker int `json:"breaker,omitempty"`
}

// UnitAction runs a systemd unit job. Op is start, stop, restart (default)
// or reload.
type UnitAction struct {
	Name string `json:"name"`
	Op   string `json:"op,omitempty"`
}
