package scheduler

import (
	"math"
	"time"

	"timerd/internal/task/engine"
)

// Unbounded is the overtime threshold that never classifies an occurrence as
// overdue.
const Unbounded = time.Duration(math.MaxInt64)

const (
	DefaultSafetyWait = time.Hour

	AlarmAuto    = "auto"
	AlarmTimerfd = "timerfd"
	AlarmClock   = "clock"
)

// Config controls the timer scheduler.
//
// The app layer maps config.scheduler into this struct.
type Config struct {
	// Overtime is the lateness threshold. An occurrence processed more than
	// Overtime after its expiration is marked overdue and not dispatched.
	// Zero or negative means Unbounded.
	Overtime time.Duration

	// SafetyWait bounds how long the loop sleeps without an alarm
	// notification. 0 uses DefaultSafetyWait.
	SafetyWait time.Duration

	// Timezone is the IANA zone used by RepeatAtDay/Hour/Minute.
	// Empty means the process local zone.
	Timezone string

	// Alarm selects the alarm primitive: auto, timerfd or clock.
	Alarm string
}

func (c Config) withDefaults() Config {
	c.Overtime = normalizeOvertime(c.Overtime)
	if c.SafetyWait <= 0 {
		c.SafetyWait = DefaultSafetyWait
	}
	if c.Alarm == "" {
		c.Alarm = AlarmAuto
	}
	return c
}

func normalizeOvertime(d time.Duration) time.Duration {
	if d <= 0 {
		return Unbounded
	}
	return d
}

// WorkerPool accepts work for asynchronous execution. Enqueue must not block.
// *engine.Service satisfies it.
type WorkerPool interface {
	Enqueue(t engine.Task) error
}

// Kind is the submission shape a timer was created with.
type Kind string

const (
	KindAt     Kind = "at"
	KindAfter  Kind = "after"
	KindEvery  Kind = "every"
	KindDay    Kind = "day"
	KindHour   Kind = "hour"
	KindMinute Kind = "minute"
)

// TimerEvent is emitted on the event bus for timer lifecycle events.
type TimerEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Kind       Kind          `json:"kind"`
	Expiration time.Time     `json:"expiration"`
	Handled    time.Time     `json:"handled,omitempty"`
	Lateness   time.Duration `json:"lateness"`
	Repeating  bool          `json:"repeating"`
	Error      string        `json:"error,omitempty"`
}

// TimerInfo describes one pending timer.
type TimerInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	Next        time.Time     `json:"next"`
	Period      time.Duration `json:"period,omitempty"`
	Repeating   bool          `json:"repeating"`
	Overdue     bool          `json:"overdue"`
	LastHandled time.Time     `json:"last_handled,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Initialized bool          `json:"initialized"`
	Running     bool          `json:"running"`
	Pooled      bool          `json:"pooled"`
	Alarm       string        `json:"alarm"`
	Timezone    string        `json:"timezone"`
	Overtime    time.Duration `json:"overtime"`
	SafetyWait  time.Duration `json:"safety_wait"`
	Now         time.Time     `json:"now"`
	ArmedFor    time.Time     `json:"armed_for,omitempty"`

	Pending int    `json:"pending"`
	Fired   uint64 `json:"fired"`
	Overdue uint64 `json:"overdue"`
	Dropped uint64 `json:"dropped"`

	Timers []TimerInfo `json:"timers"`
}
