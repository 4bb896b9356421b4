package scheduler

import "errors"

var (
	ErrAlarmInit       = errors.New("scheduler alarm init failed")
	ErrNotInitialized  = errors.New("scheduler not initialized")
	ErrAlreadyRunning  = errors.New("scheduler already running")
	ErrClosed          = errors.New("scheduler closed")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrWallClock       = errors.New("wall-clock time unresolvable")

	// ErrOverdue resolves the future of a one-shot timer whose occurrence was
	// processed later than the overtime threshold and therefore never ran.
	ErrOverdue = errors.New("timer overdue: not dispatched")
)
