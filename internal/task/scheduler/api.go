package scheduler

import (
	"context"
	"fmt"
	"time"

	logx "timerd/pkg/logx"
)

// At runs fn once when the scheduler clock reaches at. A time point already in
// the past fires on the next loop cycle.
func At[T any](s *Service, at time.Time, fn func(ctx context.Context) (T, error), opts ...JobOption) (*Timer, *Future[T], error) {
	return submitOnce(s, KindAt, at, fn, opts)
}

// AtWallClock runs fn once at a time point read from the wall clock. It is
// translated into the scheduler clock by its offset from time.Now().
func AtWallClock[T any](s *Service, at time.Time, fn func(ctx context.Context) (T, error), opts ...JobOption) (*Timer, *Future[T], error) {
	return submitOnce(s, KindAt, s.Now().Add(time.Until(at)), fn, opts)
}

// After runs fn once, d from now.
func After[T any](s *Service, d time.Duration, fn func(ctx context.Context) (T, error), opts ...JobOption) (*Timer, *Future[T], error) {
	return submitOnce(s, KindAfter, s.Now().Add(d), fn, opts)
}

func AfterSeconds[T any](s *Service, n uint, fn func(ctx context.Context) (T, error), opts ...JobOption) (*Timer, *Future[T], error) {
	return After(s, time.Duration(n)*time.Second, fn, opts...)
}

func submitOnce[T any](s *Service, kind Kind, at time.Time, fn func(ctx context.Context) (T, error), opts []JobOption) (*Timer, *Future[T], error) {
	if fn == nil {
		return nil, nil, fmt.Errorf("%w: nil job", ErrInvalidSchedule)
	}
	u, fut := bindOnce(fn)
	t, err := s.submit(kind, at, 0, u, opts)
	if err != nil {
		return nil, nil, err
	}
	return t, fut, nil
}

// Every runs fn every period, first at now+period. Later occurrences are
// anchored to the previous expiration, not to when it actually ran.
func (s *Service) Every(period time.Duration, fn func(ctx context.Context) error, opts ...JobOption) (*Timer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be > 0 (got %s)", ErrInvalidSchedule, period)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil job", ErrInvalidSchedule)
	}
	return s.submit(KindEvery, s.Now().Add(period), period, unit{run: fn}, opts)
}

func (s *Service) EverySeconds(n uint, fn func(ctx context.Context) error, opts ...JobOption) (*Timer, error) {
	return s.Every(time.Duration(n)*time.Second, fn, opts...)
}

// RepeatAtDay runs fn every day at hour:minute:second in the configured zone.
func (s *Service) RepeatAtDay(hour, minute, second int, fn func(ctx context.Context) error, opts ...JobOption) (*Timer, error) {
	if !inRange(hour, 23) || !inRange(minute, 59) || !inRange(second, 59) {
		return nil, fmt.Errorf("%w: day %02d:%02d:%02d out of range", ErrInvalidSchedule, hour, minute, second)
	}
	return s.repeatAt(KindDay, hour, minute, second, 24*time.Hour, fn, opts)
}

// RepeatAtHour runs fn every hour at minute:second.
func (s *Service) RepeatAtHour(minute, second int, fn func(ctx context.Context) error, opts ...JobOption) (*Timer, error) {
	if !inRange(minute, 59) || !inRange(second, 59) {
		return nil, fmt.Errorf("%w: hour xx:%02d:%02d out of range", ErrInvalidSchedule, minute, second)
	}
	return s.repeatAt(KindHour, -1, minute, second, time.Hour, fn, opts)
}

// RepeatAtMinute runs fn every minute at the given second.
func (s *Service) RepeatAtMinute(second int, fn func(ctx context.Context) error, opts ...JobOption) (*Timer, error) {
	if !inRange(second, 59) {
		return nil, fmt.Errorf("%w: minute xx:xx:%02d out of range", ErrInvalidSchedule, second)
	}
	return s.repeatAt(KindMinute, -1, -1, second, time.Minute, fn, opts)
}

func inRange(v, hi int) bool { return v >= 0 && v <= hi }

func (s *Service) repeatAt(kind Kind, hour, minute, second int, period time.Duration, fn func(ctx context.Context) error, opts []JobOption) (*Timer, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil job", ErrInvalidSchedule)
	}
	now := s.Now()
	next, err := nextWallClock(now, s.location(), hour, minute, second)
	if err != nil {
		return nil, err
	}
	return s.submit(kind, now.Add(next.Sub(now)), period, unit{run: fn}, opts)
}

// submit inserts a new timer and arms the alarm if it became the earliest
// pending expiration.
func (s *Service) submit(kind Kind, at time.Time, period time.Duration, u unit, opts []JobOption) (*Timer, error) {
	var jc jobConfig
	for _, o := range opts {
		if o != nil {
			o(&jc)
		}
	}
	t := newTimer(kind, at, period, u, jc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.timers.insert(t)
	if s.armed.IsZero() || at.Before(s.armed) {
		s.armMinLocked()
	}
	pending := s.timers.len()
	// The loop may pop and advance t as soon as the lock drops.
	ev := t.event(time.Time{}, 0, nil)
	s.mu.Unlock()

	s.metrics.observeScheduled(kind, pending)
	s.publish(eventTimerScheduled, ev)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("timer scheduled",
			logx.String("timer", t.name),
			logx.String("kind", string(kind)),
			logx.Time("at", at),
			logx.Duration("period", period),
		)
	}
	return t, nil
}
