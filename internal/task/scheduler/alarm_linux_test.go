//go:build linux

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

func TestTimerfdAlarm(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	a, err := TimerfdAlarm()(func() { fired.Add(1) })
	require.NoError(t, err)

	require.NoError(t, a.Arm(5*time.Millisecond))
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, a.Arm(time.Hour))
	require.NoError(t, a.Disarm())
	assert.Never(t, func() bool { return fired.Load() != 1 }, 30*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Arm(time.Millisecond), ErrClosed)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRealClockEndToEnd(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, nil, logx.Nop(), nil)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	assert.Equal(t, AlarmTimerfd, s.Snapshot().Alarm)

	start := time.Now()
	_, late, err := After(s, 40*time.Millisecond, func(context.Context) (string, error) { return "late", nil })
	require.NoError(t, err)
	_, early, err := After(s, 10*time.Millisecond, func(context.Context) (string, error) { return "early", nil })
	require.NoError(t, err)

	var ticks atomic.Int32
	every, err := s.Every(15*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := early.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", v)
	v, err = late.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	every.StopRepeat()
	_, ok := every.LastHandled()
	assert.True(t, ok)
}

func TestSubmitWhileFiring(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.SubscribeFunc(64, eventbus.Filter(eventbus.TypeTimerScheduled))
	defer unsub()

	s := New(Config{Timezone: "UTC"}, nil, logx.Nop(), bus)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	var ticks atomic.Int32
	timers := make(chan *Timer, 500)
	go func() {
		defer close(timers)
		for range 500 {
			tm, err := s.Every(time.Microsecond, func(context.Context) error {
				ticks.Add(1)
				return nil
			})
			if err != nil {
				return
			}
			timers <- tm
		}
	}()

	var all []*Timer
	for tm := range timers {
		all = append(all, tm)
	}
	require.Len(t, all, 500)
	require.Eventually(t, func() bool { return ticks.Load() > 0 }, 5*time.Second, time.Millisecond)
	for _, tm := range all {
		tm.StopRepeat()
	}

	select {
	case e := <-events:
		ev, ok := e.Data.(TimerEvent)
		require.True(t, ok)
		assert.False(t, ev.Expiration.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no scheduled event")
	}
}
