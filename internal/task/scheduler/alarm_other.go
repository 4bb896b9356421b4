//go:build !linux

package scheduler

import "errors"

const timerfdSupported = false

// TimerfdAlarm is only available on Linux; elsewhere the factory fails.
func TimerfdAlarm() AlarmFactory {
	return func(func()) (Alarm, error) {
		return nil, errors.New("timerfd requires linux")
	}
}
