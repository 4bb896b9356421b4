package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"

	"timerd/internal/task/engine"
)

// Option configures a Service at construction.
type Option func(*Service)

// WithClock replaces the wall/monotonic clock. With a mock clock the "auto"
// alarm resolves to the clock alarm so expirations and countdowns agree.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		if clk != nil {
			s.clk = clk
			s.mocked = true
		}
	}
}

// WithAlarm overrides the alarm primitive selected by Config.Alarm.
func WithAlarm(f AlarmFactory) Option {
	return func(s *Service) { s.newAlarm = f }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// JobOption tunes how a timer's work is executed.
type JobOption func(*jobConfig)

// WithName labels the timer in logs, events and the worker pool history.
func WithName(name string) JobOption {
	return func(c *jobConfig) { c.name = name }
}

// WithTimeout bounds one execution. 0 uses the pool default; inline runs are
// unbounded.
func WithTimeout(d time.Duration) JobOption {
	return func(c *jobConfig) { c.timeout = d }
}

// WithOverlap sets the pool overlap policy. OverlapSkipIfRunning drops an
// occurrence while the previous one is queued or running.
func WithOverlap(p engine.OverlapPolicy) JobOption {
	return func(c *jobConfig) { c.overlap = p }
}

// WithRetry sets the pool retry budget for a failed execution.
func WithRetry(n int) JobOption {
	return func(c *jobConfig) { c.retryMax = n }
}

// WithBreaker overrides the pool breaker threshold for this timer's work.
// n < 0 disables the breaker.
func WithBreaker(n int) JobOption {
	return func(c *jobConfig) { c.breaker = n }
}
