package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"timerd/internal/task/engine"
	logx "timerd/pkg/logx"
)

// dispatch hands one occurrence to the pool, or runs it inline when there is
// no pool. It never waits for pooled work.
func (s *Service) dispatch(ctx context.Context, pool WorkerPool, t *Timer, now time.Time, lateness time.Duration) {
	u := t.work
	if u.run == nil {
		return
	}
	if pool == nil {
		err := s.runInline(ctx, t, u.run)
		if u.done != nil {
			u.done(err)
		}
		if err != nil {
			s.log.Debug("inline job failed", logx.String("timer", t.name), logx.Err(err))
		}
	} else {
		task := engine.Task{
			ID:      t.id,
			Name:    t.name,
			Timeout: t.job.timeout,
			Run:     u.run,
			Opt: engine.TaskOptions{
				Overlap:     t.job.overlap,
				RetryMax:    t.job.retryMax,
				BreakerTrip: t.job.breaker,
			},
			State:  t.state,
			OnDone: u.done,
		}
		if err := pool.Enqueue(task); err != nil {
			s.reportDrop(t, now, lateness, err)
			if u.done != nil {
				u.done(err)
			}
			return
		}
	}

	at := now
	t.handled.Store(&at)
	s.fired.Add(1)
	s.metrics.observeFired(lateness)
	s.publish(eventTimerFired, t.event(now, lateness, nil))
}

func (s *Service) runInline(ctx context.Context, t *Timer, run func(ctx context.Context) error) (err error) {
	if t.job.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.job.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("inline job panicked",
				logx.String("timer", t.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}
