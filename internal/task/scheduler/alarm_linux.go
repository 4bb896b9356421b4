//go:build linux

package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const timerfdSupported = true

// TimerfdAlarm returns a factory for alarms backed by a CLOCK_MONOTONIC
// timerfd. A reader goroutine blocks on the descriptor and calls notify once
// per expiration.
func TimerfdAlarm() AlarmFactory {
	return newTimerfdAlarm
}

type timerfdAlarm struct {
	fd     int
	notify func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newTimerfdAlarm(notify func()) (Alarm, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	a := &timerfdAlarm{fd: fd, notify: notify, done: make(chan struct{})}
	go a.read()
	return a, nil
}

func (a *timerfdAlarm) read() {
	defer close(a.done)
	var buf [8]byte
	for {
		_, err := unix.Read(a.fd, buf[:])
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed || err != nil {
			return
		}
		a.notify()
	}
}

func (a *timerfdAlarm) settime(d time.Duration) error {
	var spec unix.ItimerSpec
	if d > 0 {
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	if err := unix.TimerfdSettime(a.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (a *timerfdAlarm) Arm(d time.Duration) error {
	if d < minArmDelay {
		d = minArmDelay
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.settime(d)
}

func (a *timerfdAlarm) Disarm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	return a.settime(0)
}

// Close wakes the reader with a final expiration, waits for it to exit and
// releases the descriptor.
func (a *timerfdAlarm) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	err := a.settime(minArmDelay)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	<-a.done
	return unix.Close(a.fd)
}
