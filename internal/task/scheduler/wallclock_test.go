package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextWallClock(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	now := time.Date(2024, 3, 10, 13, 45, 30, 500, loc)

	tests := []struct {
		name                 string
		hour, minute, second int
		want                 time.Time
	}{
		{"minute later this minute", -1, -1, 45, time.Date(2024, 3, 10, 13, 45, 45, 0, loc)},
		{"minute wraps", -1, -1, 10, time.Date(2024, 3, 10, 13, 46, 10, 0, loc)},
		{"hour later this hour", -1, 50, 0, time.Date(2024, 3, 10, 13, 50, 0, 0, loc)},
		{"hour wraps", -1, 0, 0, time.Date(2024, 3, 10, 14, 0, 0, 0, loc)},
		{"day today", 18, 0, 0, time.Date(2024, 3, 10, 18, 0, 0, 0, loc)},
		{"day tomorrow", 9, 30, 0, time.Date(2024, 3, 11, 9, 30, 0, 0, loc)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextWallClock(now, loc, tc.hour, tc.minute, tc.second)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
		})
	}
}

func TestNextWallClockIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := nextWallClock(now, time.UTC, -1, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Sub(now))
}

func TestRepeatAtValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	noop := func(context.Context) error { return nil }

	bad := []struct {
		name string
		call func() (*Timer, error)
	}{
		{"minute 60", func() (*Timer, error) { return h.s.RepeatAtMinute(60, noop) }},
		{"minute -1", func() (*Timer, error) { return h.s.RepeatAtMinute(-1, noop) }},
		{"hour minute 60", func() (*Timer, error) { return h.s.RepeatAtHour(60, 0, noop) }},
		{"hour second 60", func() (*Timer, error) { return h.s.RepeatAtHour(0, 60, noop) }},
		{"day hour 24", func() (*Timer, error) { return h.s.RepeatAtDay(24, 0, 0, noop) }},
		{"day minute 60", func() (*Timer, error) { return h.s.RepeatAtDay(0, 60, 0, noop) }},
		{"nil job", func() (*Timer, error) { return h.s.RepeatAtDay(1, 0, 0, nil) }},
	}
	for _, tc := range bad {
		tm, err := tc.call()
		assert.ErrorIs(t, err, ErrInvalidSchedule, tc.name)
		assert.Nil(t, tm, tc.name)
	}
	assert.Zero(t, h.s.Snapshot().Pending)
}

func TestRepeatAtMinuteCadence(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	r := &recorder{}

	// The mock clock starts exactly on a minute boundary.
	tm, err := h.s.RepeatAtMinute(0, r.job("minute"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, tm.Period())
	assert.Equal(t, KindMinute, tm.Kind())

	snap := h.s.Snapshot()
	require.Len(t, snap.Timers, 1)
	first := snap.Timers[0].Next
	assert.True(t, first.Equal(h.at(time.Minute)), "first=%s", first)

	h.advance(time.Minute)
	h.advance(time.Minute)
	assert.Equal(t, []string{"minute", "minute"}, r.labels())
	snap = h.s.Snapshot()
	assert.True(t, snap.Timers[0].Next.Equal(h.at(3*time.Minute)))
}

func TestRepeatAtDayAndHour(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	noop := func(context.Context) error { return nil }

	day, err := h.s.RepeatAtDay(0, 0, 0, noop)
	require.NoError(t, err)
	hour, err := h.s.RepeatAtHour(30, 15, noop)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, day.Period())
	assert.Equal(t, time.Hour, hour.Period())

	snap := h.s.Snapshot()
	require.Len(t, snap.Timers, 2)
	assert.Equal(t, hour.ID(), snap.Timers[0].ID)
	assert.True(t, snap.Timers[0].Next.Equal(h.at(30*time.Minute+15*time.Second)))
	assert.True(t, snap.Timers[1].Next.Equal(h.at(24*time.Hour)))
}
