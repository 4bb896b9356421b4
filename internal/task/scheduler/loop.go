package scheduler

import (
	"context"
	"time"

	logx "timerd/pkg/logx"
)

func (s *Service) safetyWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SafetyWait
}

// loop waits for the alarm (or the safety net), drains every due occurrence
// and re-arms to the new minimum. It returns when stopCh closes or ctx ends.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	// Pick up anything that became due while the loop was not running.
	s.wake()
	for {
		safety := s.clk.Timer(s.safetyWait())
		select {
		case <-ctx.Done():
			safety.Stop()
			return
		case <-stopCh:
			safety.Stop()
			return
		case <-s.notify:
			safety.Stop()
		case <-safety.C:
			s.mu.Lock()
			s.observeLocked(s.clk.Now())
			s.mu.Unlock()
			if s.log.Enabled(logx.LevelDebug) {
				s.log.Debug("safety wake")
			}
		}
		s.drain(ctx)
	}
}

// drain processes every occurrence due at the last observed alarm time.
// Dispatch runs without the lock so inline work can submit timers.
func (s *Service) drain(ctx context.Context) {
	s.mu.Lock()
	now := s.now
	overtime := s.overtime
	pool := s.pool
	due := s.timers.popDue(now)
	s.mu.Unlock()

	var again []*Timer
	for _, t := range due {
		lateness := now.Sub(t.expiration)
		if lateness > overtime {
			s.markOverdue(t, now, lateness)
		} else {
			s.dispatch(ctx, pool, t, now, lateness)
		}
		if t.repeating.Load() {
			again = append(again, t)
		} else {
			t.work = unit{}
		}
	}

	s.mu.Lock()
	for _, t := range again {
		t.expiration = t.expiration.Add(t.period)
		s.timers.insert(t)
	}
	s.armMinLocked()
	pending := s.timers.len()
	s.mu.Unlock()
	s.metrics.setPending(pending)
	if s.onDrain != nil {
		s.onDrain()
	}
}
