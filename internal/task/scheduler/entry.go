package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timerd/internal/task/engine"
)

// unit is the boxed work of a timer. done is only set for one-shot timers and
// resolves their Future with the final outcome.
type unit struct {
	run  func(ctx context.Context) error
	done func(err error)
}

type jobConfig struct {
	name     string
	timeout  time.Duration
	overlap  engine.OverlapPolicy
	retryMax int
	breaker  int
}

// Timer is a handle to one scheduled entry. It is shared between the
// scheduler and the caller that registered it.
type Timer struct {
	id     string
	name   string
	kind   Kind
	period time.Duration
	job    jobConfig

	// expiration is guarded by Service.mu; only the loop moves it.
	expiration time.Time

	// work is touched only by the loop once the timer is in the store.
	work  unit
	state *engine.RunState

	repeating atomic.Bool
	overdue   atomic.Bool
	handled   atomic.Pointer[time.Time]
}

func newTimer(kind Kind, at time.Time, period time.Duration, work unit, job jobConfig) *Timer {
	id := uuid.NewString()
	if job.name == "" {
		job.name = string(kind) + "-" + id[:8]
	}
	t := &Timer{
		id:         id,
		name:       job.name,
		kind:       kind,
		period:     period,
		job:        job,
		expiration: at,
		work:       work,
		state:      &engine.RunState{},
	}
	t.repeating.Store(period > 0)
	return t
}

func (t *Timer) ID() string            { return t.id }
func (t *Timer) Name() string          { return t.name }
func (t *Timer) Kind() Kind            { return t.kind }
func (t *Timer) Period() time.Duration { return t.period }

// Repeating reports whether the timer will be rescheduled after its pending
// occurrence.
func (t *Timer) Repeating() bool {
	if t == nil {
		return false
	}
	return t.repeating.Load()
}

// StopRepeat prevents further rescheduling. An occurrence already in the store
// is still processed once.
func (t *Timer) StopRepeat() {
	if t == nil {
		return
	}
	t.repeating.Store(false)
}

// IsOverdue reports whether any occurrence of this timer was processed later
// than the overtime threshold. The flag is sticky.
func (t *Timer) IsOverdue() bool {
	if t == nil {
		return false
	}
	return t.overdue.Load()
}

// LastHandled returns the scheduler time of the most recent dispatch.
// ok is false if the timer has never been dispatched.
func (t *Timer) LastHandled() (at time.Time, ok bool) {
	if t == nil {
		return time.Time{}, false
	}
	p := t.handled.Load()
	if p == nil {
		return time.Time{}, false
	}
	return *p, true
}

func (t *Timer) info() TimerInfo {
	ti := TimerInfo{
		ID:        t.id,
		Name:      t.name,
		Kind:      t.kind,
		Next:      t.expiration,
		Period:    t.period,
		Repeating: t.repeating.Load(),
		Overdue:   t.overdue.Load(),
	}
	if at, ok := t.LastHandled(); ok {
		ti.LastHandled = at
	}
	return ti
}

func (t *Timer) event(handled time.Time, lateness time.Duration, err error) TimerEvent {
	ev := TimerEvent{
		ID:         t.id,
		Name:       t.name,
		Kind:       t.kind,
		Expiration: t.expiration,
		Handled:    handled,
		Lateness:   lateness,
		Repeating:  t.repeating.Load(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
