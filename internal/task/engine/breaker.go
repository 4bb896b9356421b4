package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerConfig pauses a task name after consecutive failed runs. While the
// breaker is open, Enqueue rejects the name with ErrBreakerOpen. The cooldown
// doubles with every further failure up to MaxCooldown.
type BreakerConfig struct {
	// Trip is the number of consecutive failures that opens the breaker.
	// 0 disables it for tasks that do not set TaskOptions.BreakerTrip.
	Trip        int
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// ResetAfter forgets a failure streak with no new failure for this long.
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip < 0 {
		c.Trip = 0
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 2 * time.Minute
	}
	c.MaxCooldown = max(c.MaxCooldown, c.Cooldown)
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// tripFor returns the effective threshold for a task; 0 means disabled.
func (c BreakerConfig) tripFor(opt TaskOptions) int {
	switch {
	case opt.BreakerTrip < 0:
		return 0
	case opt.BreakerTrip > 0:
		return opt.BreakerTrip
	}
	return c.Trip
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breakers holds one failure streak per task name.
type breakers struct {
	mu sync.Mutex
	m  map[string]*breakerState
}

// open reports whether name is paused at now and until when.
func (b *breakers) open(now time.Time, name string, cfg BreakerConfig) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[name]
	if st == nil {
		return time.Time{}, false
	}
	expire(st, now, cfg)
	if now.Before(st.openUntil) {
		return st.openUntil, true
	}
	return time.Time{}, false
}

// record folds the final outcome of a run into the streak. It reports the
// new deadline when this failure opened the breaker.
func (b *breakers) record(now time.Time, name string, cfg BreakerConfig, trip int, err error) (time.Time, bool) {
	// Shutdown is not the task's fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopping) {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.m, name)
		return time.Time{}, false
	}
	if b.m == nil {
		b.m = make(map[string]*breakerState)
	}
	st := b.m[name]
	if st == nil {
		st = &breakerState{}
		b.m[name] = st
	}
	expire(st, now, cfg)
	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return time.Time{}, false
	}

	d := cfg.Cooldown
	for i := trip; i < st.fails && d < cfg.MaxCooldown; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.MaxCooldown))
	return st.openUntil, true
}

func (b *breakers) countOpen(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}

func expire(st *breakerState, now time.Time, cfg BreakerConfig) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.ResetAfter {
		*st = breakerState{}
	}
}
