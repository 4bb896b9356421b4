package scheduler

import (
	"errors"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/task/engine"
	logx "timerd/pkg/logx"
)

const (
	eventTimerScheduled = eventbus.TypeTimerScheduled
	eventTimerFired     = eventbus.TypeTimerFired
	eventTimerOverdue   = eventbus.TypeTimerOverdue
	eventTimerDropped   = eventbus.TypeTimerDropped
)

func (s *Service) publish(typ string, ev TimerEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: ev})
}

// reportDrop records an occurrence the pool refused.
func (s *Service) reportDrop(t *Timer, now time.Time, lateness time.Duration, err error) {
	s.dropped.Add(1)
	s.metrics.observeDropped()
	s.publish(eventTimerDropped, t.event(now, lateness, err))

	// Overlap skips are expected for slow repeating jobs.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("timer skipped: previous run in flight", logx.String("timer", t.name))
		return
	}
	// The pool already warned when the breaker opened.
	if errors.Is(err, engine.ErrBreakerOpen) {
		s.log.Debug("timer skipped: breaker open", logx.String("timer", t.name))
		return
	}
	s.warnDrop.Do(func() {
		s.log.Warn("timer dropped by worker pool", logx.String("timer", t.name), logx.Err(err))
	})
}

// markOverdue flags an occurrence processed past the overtime threshold. A
// one-shot future resolves with ErrOverdue.
func (s *Service) markOverdue(t *Timer, now time.Time, lateness time.Duration) {
	t.overdue.Store(true)
	if t.work.done != nil {
		t.work.done(ErrOverdue)
	}
	s.overdue.Add(1)
	s.metrics.observeOverdue()
	s.publish(eventTimerOverdue, t.event(now, lateness, ErrOverdue))
	s.warnOverdue.Do(func() {
		s.log.Warn("timer overdue; skipped",
			logx.String("timer", t.name),
			logx.Duration("lateness", lateness),
		)
	})
}
