package scheduler

// Snapshot returns the scheduler state and the pending timers in expiration
// order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Initialized: s.alarm != nil,
		Running:     s.running,
		Pooled:      s.pool != nil,
		Alarm:       s.alarmKind,
		Timezone:    s.loc.String(),
		Overtime:    s.overtime,
		SafetyWait:  s.cfg.SafetyWait,
		Now:         s.now,
		ArmedFor:    s.armed,
		Pending:     s.timers.len(),
	}
	pending := s.timers.snapshot()
	items := make([]TimerInfo, 0, len(pending))
	for _, t := range pending {
		items = append(items, t.info())
	}
	s.mu.Unlock()

	snap.Timers = items
	snap.Fired = s.fired.Load()
	snap.Overdue = s.overdue.Load()
	snap.Dropped = s.dropped.Load()
	return snap
}
