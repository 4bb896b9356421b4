package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/task/engine"
	logx "timerd/pkg/logx"
)

func TestDispatchOrder(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	r := &recorder{}

	for _, tc := range []struct {
		label string
		after time.Duration
	}{
		{"c", 3 * time.Second},
		{"a1", time.Second},
		{"b", 2 * time.Second},
		{"a2", time.Second},
	} {
		_, _, err := After(h.s, tc.after, r.once(tc.label))
		require.NoError(t, err)
	}

	h.advance(5 * time.Second)
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, r.labels())
	assert.Zero(t, h.s.Snapshot().Pending)
}

func TestEveryOccurrenceDispatchedOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rng := rand.New(rand.NewSource(7))

	counts := make([]atomic.Int32, 200)
	for i := range counts {
		d := time.Duration(rng.Int63n(int64(10 * time.Second)))
		c := &counts[i]
		_, _, err := After(h.s, d, func(context.Context) (int, error) { return int(c.Add(1)), nil })
		require.NoError(t, err)
	}

	for i := 0; i < 11; i++ {
		h.advance(time.Second)
	}
	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "timer %d", i)
	}
	assert.Equal(t, uint64(len(counts)), h.s.Snapshot().Fired)
}

func TestRepeatAnchoredToSchedule(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	var handled []time.Time
	var mu sync.Mutex
	tm, err := h.s.Every(time.Second, func(context.Context) error {
		mu.Lock()
		handled = append(handled, h.clk.Now())
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, KindEvery, tm.Kind())

	// Wake late by irregular amounts; the cadence must not shift.
	h.advance(1300 * time.Millisecond)
	h.advance(750 * time.Millisecond)
	h.advance(990 * time.Millisecond)

	mu.Lock()
	assert.Len(t, handled, 3)
	mu.Unlock()

	snap := h.s.Snapshot()
	require.Len(t, snap.Timers, 1)
	assert.True(t, snap.Timers[0].Next.Equal(h.at(4*time.Second)), "next=%s", snap.Timers[0].Next)

	last, ok := tm.LastHandled()
	require.True(t, ok)
	assert.True(t, last.Equal(h.at(3040*time.Millisecond)))
}

func TestStopRepeatIsNotRetroactive(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	r := &recorder{}
	tm, err := h.s.Every(time.Second, r.job("tick"))
	require.NoError(t, err)
	require.True(t, tm.Repeating())

	h.advance(time.Second)
	tm.StopRepeat()
	assert.False(t, tm.Repeating())

	// The occurrence already pending still fires once.
	h.advance(time.Second)
	h.advance(time.Second)
	h.advance(time.Second)

	assert.Equal(t, []string{"tick", "tick"}, r.labels())
	assert.Zero(t, h.s.Snapshot().Pending)
}

func TestOvertimeClassification(t *testing.T) {
	t.Run("one-shot", func(t *testing.T) {
		h := newHarness(t, Config{Overtime: 500 * time.Millisecond}, nil)
		ran := false
		tm, fut, err := After(h.s, time.Second, func(context.Context) (int, error) {
			ran = true
			return 1, nil
		})
		require.NoError(t, err)

		h.advance(2 * time.Second)

		assert.False(t, ran)
		assert.True(t, tm.IsOverdue())
		_, ok := tm.LastHandled()
		assert.False(t, ok)
		_, ferr := fut.Get()
		assert.ErrorIs(t, ferr, ErrOverdue)
		assert.Equal(t, uint64(1), h.s.Snapshot().Overdue)
	})

	t.Run("at threshold dispatches", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		h.s.SetOvertime(time.Second)
		tm, fut, err := After(h.s, time.Second, func(context.Context) (string, error) { return "ok", nil })
		require.NoError(t, err)

		h.advance(2 * time.Second)

		v, ferr := fut.Get()
		require.NoError(t, ferr)
		assert.Equal(t, "ok", v)
		assert.False(t, tm.IsOverdue())
	})

	t.Run("repeating keeps cadence and flag", func(t *testing.T) {
		h := newHarness(t, Config{Overtime: 500 * time.Millisecond}, nil)
		var runs atomic.Int32
		tm, err := h.s.Every(time.Second, func(context.Context) error {
			runs.Add(1)
			return nil
		})
		require.NoError(t, err)

		h.advance(1200 * time.Millisecond)
		require.Equal(t, int32(1), runs.Load())
		require.False(t, tm.IsOverdue())

		// Occurrence at 2s handled at 3.9s: overdue. Its continuation (3s) is
		// already due and is handled on the next wake, also overdue.
		h.advance(2700 * time.Millisecond)
		h.fire()

		assert.Equal(t, int32(1), runs.Load())
		assert.True(t, tm.IsOverdue())
		snap := h.s.Snapshot()
		require.Len(t, snap.Timers, 1)
		assert.True(t, snap.Timers[0].Next.Equal(h.at(4*time.Second)))

		// Back on time: dispatched again, the flag stays set.
		h.advance(200 * time.Millisecond)
		assert.Equal(t, int32(2), runs.Load())
		assert.True(t, tm.IsOverdue())
	})

	t.Run("unbounded by default", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		tm, fut, err := After(h.s, time.Second, func(context.Context) (int, error) { return 7, nil })
		require.NoError(t, err)
		h.advance(24 * time.Hour)
		v, ferr := fut.Get()
		require.NoError(t, ferr)
		assert.Equal(t, 7, v)
		assert.False(t, tm.IsOverdue())
	})
}

func TestSubmissionArmsOnlyWhenEarlier(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	noop := func(context.Context) (struct{}, error) { return struct{}{}, nil }

	for _, d := range []time.Duration{10 * time.Second, 20 * time.Second, 5 * time.Second, 5 * time.Second} {
		_, _, err := After(h.s, d, noop)
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second}, h.alarm.arms())
	assert.True(t, h.s.Snapshot().ArmedFor.Equal(h.at(5*time.Second)))

	// After draining the 5s entries the alarm points at the next minimum.
	h.advance(5 * time.Second)
	arms := h.alarm.arms()
	assert.Equal(t, 5*time.Second, arms[len(arms)-1])
}

func TestPastTimePointFiresImmediately(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, fut, err := At(h.s, h.clk.Now().Add(-time.Minute), func(context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)

	arms := h.alarm.arms()
	require.NotEmpty(t, arms)
	assert.LessOrEqual(t, arms[len(arms)-1], time.Duration(0))

	h.fire()
	v, ferr := fut.Get()
	require.NoError(t, ferr)
	assert.Equal(t, 3, v)
}

func TestInlineJobsMaySubmit(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	r := &recorder{}
	_, _, err := After(h.s, time.Second, func(ctx context.Context) (struct{}, error) {
		_, _, err := After(h.s, time.Second, r.once("child"))
		return struct{}{}, err
	})
	require.NoError(t, err)

	h.advance(time.Second)
	assert.Empty(t, r.labels())
	assert.Equal(t, 1, h.s.Snapshot().Pending)

	h.advance(time.Second)
	assert.Equal(t, []string{"child"}, r.labels())
}

func TestFutureOutcomes(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, okFut, err := After(h.s, time.Second, func(context.Context) (string, error) { return "done", nil })
	require.NoError(t, err)
	boom := errors.New("boom")
	_, errFut, err := After(h.s, time.Second, func(context.Context) (int, error) { return 0, boom })
	require.NoError(t, err)
	_, panicFut, err := After(h.s, time.Second, func(context.Context) (int, error) { panic("kaboom") })
	require.NoError(t, err)

	assert.False(t, okFut.Ready())
	h.advance(time.Second)

	v, ferr := okFut.Get()
	assert.NoError(t, ferr)
	assert.Equal(t, "done", v)
	_, ferr = errFut.Get()
	assert.ErrorIs(t, ferr, boom)
	_, ferr = panicFut.Get()
	require.Error(t, ferr)
	assert.Contains(t, ferr.Error(), "kaboom")
}

type rejectingPool struct{ err error }

func (p rejectingPool) Enqueue(engine.Task) error { return p.err }

func TestPoolRejection(t *testing.T) {
	h := newHarness(t, Config{}, rejectingPool{err: engine.ErrQueueFull})

	tm, fut, err := After(h.s, time.Second, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	h.advance(time.Second)

	_, ferr := fut.Get()
	assert.ErrorIs(t, ferr, engine.ErrQueueFull)
	_, ok := tm.LastHandled()
	assert.False(t, ok)
	snap := h.s.Snapshot()
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Zero(t, snap.Fired)
}

func TestPooledEndToEnd(t *testing.T) {
	pool := engine.New(engine.Config{Enabled: true, Workers: 1, QueueSize: 16}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	h := newHarness(t, Config{}, pool)
	r := &recorder{}

	_, futA, err := At(h.s, h.clk.Now(), r.once("A"))
	require.NoError(t, err)
	_, futB, err := After(h.s, 5*time.Second, r.once("B"))
	require.NoError(t, err)
	c, err := h.s.Every(time.Second, r.job("C"), WithName("every-second"))
	require.NoError(t, err)
	assert.Equal(t, "every-second", c.Name())

	h.fire()
	_, err = futA.Wait(context.Background())
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.advance(time.Second)
	}
	_, err = futB.Wait(context.Background())
	require.NoError(t, err)

	want := []string{"A", "C", "C", "C", "C", "B", "C", "C"}
	require.Eventually(t, func() bool { return len(r.labels()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r.labels())
	assert.True(t, c.Repeating())
	assert.False(t, c.IsOverdue())
}

func TestBreakerDropsFailingRepeat(t *testing.T) {
	pool := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	h := newHarness(t, Config{}, pool)

	tm, err := h.s.Every(time.Second, func(context.Context) error {
		return errors.New("unit failed")
	}, WithName("restart-nginx"), WithBreaker(2))
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		h.advance(time.Second)
		require.Eventually(t, func() bool { return pool.Snapshot().Failed == uint64(i) }, 5*time.Second, time.Millisecond)
	}
	h.advance(time.Second)

	snap := h.s.Snapshot()
	assert.Equal(t, uint64(2), snap.Fired)
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Equal(t, uint64(1), pool.Snapshot().SkippedBreaker)
	assert.True(t, tm.Repeating())
	tm.StopRepeat()
}

func TestSwitchToInline(t *testing.T) {
	h := newHarness(t, Config{}, rejectingPool{err: engine.ErrStopped})
	h.s.SetWorkerPool(nil)
	assert.False(t, h.s.Snapshot().Pooled)

	_, fut, err := After(h.s, time.Second, func(context.Context) (int, error) { return 5, nil })
	require.NoError(t, err)
	h.advance(time.Second)
	v, ferr := fut.Get()
	require.NoError(t, ferr)
	assert.Equal(t, 5, v)
}

func TestSafetyWakeAdvancesNow(t *testing.T) {
	h := newHarness(t, Config{SafetyWait: time.Minute}, nil)
	_, fut, err := After(h.s, 30*time.Second, func(context.Context) (int, error) { return 9, nil })
	require.NoError(t, err)

	// The alarm never fires; only the safety timer wakes the loop. Keep
	// advancing in case the loop had not yet created its timer.
	require.Eventually(t, func() bool {
		h.clk.Add(time.Minute)
		select {
		case <-h.drained:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	v, ferr := fut.Get()
	require.NoError(t, ferr)
	assert.Equal(t, 9, v)
}

func TestInvalidSubmissions(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.s.Every(0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = h.s.EverySeconds(0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = h.s.Every(time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, _, err = After[int](h.s, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	assert.Zero(t, h.s.Snapshot().Pending)
}

func TestLifecycle(t *testing.T) {
	t.Run("start requires initialize", func(t *testing.T) {
		s := New(Config{Alarm: AlarmClock}, nil, logx.Nop(), nil)
		assert.ErrorIs(t, s.Start(context.Background()), ErrNotInitialized)
		require.NoError(t, s.Close())
	})

	t.Run("initialize failure is retryable", func(t *testing.T) {
		fa := &fakeAlarm{}
		calls := 0
		factory := func(n func()) (Alarm, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("EMFILE")
			}
			return fa.factory(n)
		}
		s := New(Config{}, nil, logx.Nop(), nil, WithAlarm(factory))
		err := s.Initialize()
		assert.ErrorIs(t, err, ErrAlarmInit)
		assert.Contains(t, err.Error(), "EMFILE")
		require.NoError(t, s.Initialize())
		require.NoError(t, s.Initialize())
		assert.Equal(t, 2, calls)
		require.NoError(t, s.Close())
	})

	t.Run("double start", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		assert.ErrorIs(t, h.s.Start(context.Background()), ErrAlreadyRunning)
		assert.True(t, h.s.Running())
	})

	t.Run("stop keeps pending timers", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		_, fut, err := After(h.s, time.Second, func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)

		require.NoError(t, h.s.StopAndJoin(context.Background()))
		assert.False(t, h.s.Running())
		h.clk.Add(2 * time.Second)
		assert.False(t, fut.Ready())
		assert.Equal(t, 1, h.s.Snapshot().Pending)

		require.NoError(t, h.s.Start(context.Background()))
		h.waitDrain()
		h.fire()
		v, ferr := fut.Get()
		require.NoError(t, ferr)
		assert.Equal(t, 1, v)
	})

	t.Run("context cancel stops loop", func(t *testing.T) {
		fa := &fakeAlarm{}
		s := New(Config{}, nil, logx.Nop(), nil, WithAlarm(fa.factory))
		require.NoError(t, s.Initialize())
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, s.Start(ctx))
		cancel()
		require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, time.Millisecond)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Close())
	})

	t.Run("start with cancelled context", func(t *testing.T) {
		fa := &fakeAlarm{}
		s := New(Config{}, nil, logx.Nop(), nil, WithAlarm(fa.factory))
		require.NoError(t, s.Initialize())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, s.Start(ctx))
		require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, time.Millisecond)

		require.NoError(t, s.Start(context.Background()))
		assert.True(t, s.Running())
		require.NoError(t, s.Close())
	})

	t.Run("close resolves pending futures", func(t *testing.T) {
		fa := &fakeAlarm{}
		s := New(Config{}, nil, logx.Nop(), nil, WithAlarm(fa.factory))
		require.NoError(t, s.Initialize())
		require.NoError(t, s.Start(context.Background()))

		_, fut, err := After(s, time.Hour, func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, ferr := fut.Get()
		assert.ErrorIs(t, ferr, ErrClosed)
		assert.True(t, fa.closed)

		_, _, err = After(s, time.Second, func(context.Context) (int, error) { return 1, nil })
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Initialize(), ErrClosed)
		assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
		require.NoError(t, s.Close())
	})
}

func TestApplyUpdatesOvertime(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.s.Apply(Config{Overtime: time.Second, Timezone: "Asia/Jakarta", Alarm: AlarmTimerfd})

	snap := h.s.Snapshot()
	assert.Equal(t, time.Second, snap.Overtime)
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
	assert.Equal(t, "custom", snap.Alarm)

	h.s.SetOvertime(-1)
	assert.Equal(t, Unbounded, h.s.Snapshot().Overtime)
}
