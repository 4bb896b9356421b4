package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

var clockParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextWallClock returns the first instant strictly after now whose local time
// in loc matches hour:minute:second. A negative hour or minute matches any
// value.
func nextWallClock(now time.Time, loc *time.Location, hour, minute, second int) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	spec := fmt.Sprintf("%d %s %s * * *", second, field(minute), field(hour))
	sched, err := clockParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrWallClock, spec, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no occurrence of %q after %s", ErrWallClock, spec, now.In(loc).Format(time.RFC3339))
	}
	return next, nil
}

func field(v int) string {
	if v < 0 {
		return "*"
	}
	return strconv.Itoa(v)
}
