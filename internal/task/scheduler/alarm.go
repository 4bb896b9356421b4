package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// minArmDelay is what Arm uses for non-positive durations.
const minArmDelay = time.Nanosecond

// Alarm is a single-shot countdown against a monotonic clock. When it elapses
// it calls the notify function it was created with. Arm overwrites any
// previous arming.
type Alarm interface {
	Arm(d time.Duration) error
	Disarm() error
	Close() error
}

// AlarmFactory creates an Alarm delivering expirations to notify.
type AlarmFactory func(notify func()) (Alarm, error)

// ClockAlarm returns a factory for alarms driven by clk timers.
// It works everywhere and is what tests use with a clock.Mock.
func ClockAlarm(clk clock.Clock) AlarmFactory {
	return func(notify func()) (Alarm, error) {
		if clk == nil {
			clk = clock.New()
		}
		return &clockAlarm{clk: clk, notify: notify}, nil
	}
}

type clockAlarm struct {
	mu     sync.Mutex
	clk    clock.Clock
	notify func()
	t      *clock.Timer
	gen    uint64
	closed bool
}

func (a *clockAlarm) Arm(d time.Duration) error {
	if d < minArmDelay {
		d = minArmDelay
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.stopLocked()
	gen := a.gen
	a.t = a.clk.AfterFunc(d, func() { a.fire(gen) })
	return nil
}

func (a *clockAlarm) Disarm() error {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
	return nil
}

func (a *clockAlarm) Close() error {
	a.mu.Lock()
	a.closed = true
	a.stopLocked()
	a.mu.Unlock()
	return nil
}

// stopLocked cancels the current countdown. Bumping gen discards a callback
// that already started before Stop could cancel it.
func (a *clockAlarm) stopLocked() {
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
	a.gen++
}

func (a *clockAlarm) fire(gen uint64) {
	a.mu.Lock()
	live := !a.closed && gen == a.gen
	if live {
		a.t = nil
	}
	a.mu.Unlock()
	if live {
		a.notify()
	}
}

// alarmFor resolves the configured alarm kind.
func alarmFor(kind string, clk clock.Clock, mocked bool) (AlarmFactory, string) {
	switch kind {
	case AlarmClock:
		return ClockAlarm(clk), AlarmClock
	case AlarmTimerfd:
		return TimerfdAlarm(), AlarmTimerfd
	default:
		if mocked || !timerfdSupported {
			return ClockAlarm(clk), AlarmClock
		}
		return TimerfdAlarm(), AlarmTimerfd
	}
}
