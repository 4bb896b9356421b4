package eventbus

// Event types published by the scheduler and the task engine.
const (
	TypeTimerScheduled = "timer.scheduled"
	TypeTimerFired     = "timer.fired"
	TypeTimerOverdue   = "timer.overdue"
	TypeTimerDropped   = "timer.dropped"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"
)

// Filter returns a predicate matching any of the given types.
func Filter(types ...string) func(Event) bool {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}
