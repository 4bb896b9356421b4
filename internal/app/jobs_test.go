package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/observability/debug"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

type unitCall struct {
	unit string
	op   systemd.UnitOp
}

// fakeUnits records unit jobs instead of talking to systemd.
type fakeUnits struct {
	mu    sync.Mutex
	calls []unitCall
	err   error
}

func (f *fakeUnits) Run(_ context.Context, unit string, op systemd.UnitOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, unitCall{unit: unit, op: op})
	return f.err
}

func (f *fakeUnits) count(unit string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.unit == unit {
			n++
		}
	}
	return n
}

func (f *fakeUnits) last() unitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return unitCall{}
	}
	return f.calls[len(f.calls)-1]
}

func newTestRegistry(t *testing.T) (*jobRegistry, *fakeUnits) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Timezone: "UTC", Alarm: scheduler.AlarmClock}, nil, logx.Nop(), eventbus.New())
	require.NoError(t, sched.Initialize())
	require.NoError(t, sched.Start(context.Background()))
	sup := rtsup.NewSupervisor(context.Background())
	units := &fakeUnits{}
	t.Cleanup(func() {
		sup.Cancel()
		require.NoError(t, sched.Close())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})
	r := newJobRegistry(logx.Nop(), sched, units, sup)
	r.setLocation("UTC")
	return r, units
}

func unitJob(name, every, unit string) config.JobConfig {
	return config.JobConfig{Name: name, Every: every, Unit: &config.UnitAction{Name: unit, Op: "reload"}}
}

func TestJobsRunAndRetire(t *testing.T) {
	r, units := newTestRegistry(t)

	require.NoError(t, r.apply([]config.JobConfig{unitJob("tick", "10ms", "nginx")}, nil))
	require.Eventually(t, func() bool { return units.count("nginx") >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, unitCall{unit: "nginx", op: systemd.UnitReload}, units.last())

	// Reschedule with a different unit: the old timer stops repeating and
	// its pending occurrence is ignored.
	old := r.timer("tick")
	require.NoError(t, r.apply([]config.JobConfig{unitJob("tick", "10ms", "apache")}, []string{"tick"}))
	assert.NotSame(t, old, r.timer("tick"))
	assert.False(t, old.Repeating())
	require.Eventually(t, func() bool { return units.count("apache") >= 2 }, 3*time.Second, 5*time.Millisecond)
	nginx := units.count("nginx")

	// Removing the job retires it.
	require.NoError(t, r.apply(nil, []string{"tick"}))
	assert.Nil(t, r.timer("tick"))
	apache := units.count("apache")
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, units.count("apache"), apache+1)
	assert.Equal(t, nginx, units.count("nginx"))
}

func TestJobsUnchangedSurviveReload(t *testing.T) {
	r, _ := newTestRegistry(t)
	jobs := []config.JobConfig{
		{Name: "keep", Every: "1h", Message: "still here"},
		{Name: "edit", Daily: "03:00:00", Message: "nightly"},
	}
	require.NoError(t, r.apply(jobs, nil))
	keep, edit := r.timer("keep"), r.timer("edit")
	require.NotNil(t, keep)
	require.NotNil(t, edit)

	jobs[1].Daily = "04:00:00"
	require.NoError(t, r.apply(jobs, []string{"edit"}))
	assert.Same(t, keep, r.timer("keep"))
	assert.NotSame(t, edit, r.timer("edit"))
	assert.True(t, keep.Repeating())
	assert.False(t, edit.Repeating())
}

func TestTriggerRunsJobOnPool(t *testing.T) {
	r, units := newTestRegistry(t)
	require.NoError(t, r.apply([]config.JobConfig{unitJob("nightly", "1h", "backup")}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	off := engine.New(engine.Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, r.trigger(ctx, off, "nightly"), engine.ErrDisabled)

	pool := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		pool.Stop(stopCtx)
	})

	require.NoError(t, r.trigger(ctx, pool, " nightly "))
	require.Eventually(t, func() bool { return units.count("backup") == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.trigger(ctx, pool, "missing"), debug.ErrUnknownJob)

	// A retired job can no longer be triggered.
	require.NoError(t, r.apply(nil, []string{"nightly"}))
	assert.ErrorIs(t, r.trigger(ctx, pool, "nightly"), debug.ErrUnknownJob)
}

func TestJobsScheduleErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.apply([]config.JobConfig{
		{Name: "past", At: "2001-01-01T00:00:00Z", Message: "too late"},
		{Name: "noop", Every: "1m"},
		{Name: "ok", After: "1h", Message: "later"},
	}, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, `job "past"`)
	assert.ErrorContains(t, err, "already passed")
	assert.ErrorContains(t, err, `job "noop"`)
	assert.Nil(t, r.timer("past"))
	assert.NotNil(t, r.timer("ok"))
}

func TestCronChainReschedules(t *testing.T) {
	r, units := newTestRegistry(t)
	job := config.JobConfig{Name: "cron", Cron: "* * * * * *", Unit: &config.UnitAction{Name: "backup.service", Op: "start"}}
	require.NoError(t, r.apply([]config.JobConfig{job}, nil))

	first := r.timer("cron")
	require.NotNil(t, first)
	assert.Equal(t, scheduler.KindAt, first.Kind())
	require.Eventually(t, func() bool {
		next := r.timer("cron")
		return units.count("backup.service") >= 1 && next != nil && next.ID() != first.ID()
	}, 4*time.Second, 10*time.Millisecond)
	assert.Equal(t, systemd.UnitStart, units.last().op)
}

func TestCommandAction(t *testing.T) {
	r, _ := newTestRegistry(t)

	ok, err := r.buildAction(config.JobConfig{Name: "ok", Command: []string{"sh", "-c", "test \"$GREETING\" = hi"}, Env: map[string]string{"GREETING": "hi"}})
	require.NoError(t, err)
	assert.NoError(t, ok(context.Background()))

	failing, err := r.buildAction(config.JobConfig{Name: "fail", Command: []string{"sh", "-c", "echo broken; exit 3"}})
	require.NoError(t, err)
	err = failing(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "exit status 3")
	assert.ErrorContains(t, err, "broken")
	assert.False(t, engine.IsNoRetry(err))

	missing, err := r.buildAction(config.JobConfig{Name: "missing", Command: []string{"timerd-no-such-binary"}})
	require.NoError(t, err)
	assert.True(t, engine.IsNoRetry(missing(context.Background())))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	slow, err := r.buildAction(config.JobConfig{Name: "slow", Command: []string{"sleep", "5"}})
	require.NoError(t, err)
	assert.Error(t, slow(ctx))

	_, err = r.buildAction(config.JobConfig{Name: "bad", Unit: &config.UnitAction{Name: "x", Op: "kill"}})
	assert.Error(t, err)
}

func TestUnitActionError(t *testing.T) {
	r, units := newTestRegistry(t)
	units.err = errors.New("job failed")
	act, err := r.buildAction(config.JobConfig{Name: "u", Unit: &config.UnitAction{Name: "nginx"}})
	require.NoError(t, err)
	assert.ErrorContains(t, act(context.Background()), "job failed")
	assert.Equal(t, systemd.UnitRestart, units.last().op)
}

func TestFiringFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := scheduler.TimerEvent{ID: "id-1", Name: "tick", Kind: scheduler.KindEvery, Expiration: at.Add(-time.Second), Lateness: time.Second, Error: "late"}

	f, ok := firingFromEvent(eventbus.Event{Type: eventbus.TypeTimerOverdue, Time: at, Data: ev})
	require.True(t, ok)
	assert.Equal(t, storage.Firing{
		At: at, TimerID: "id-1", Name: "tick", Kind: "every", Outcome: storage.OutcomeOverdue,
		Expiration: at.Add(-time.Second), Lateness: time.Second, Error: "late",
	}, f)

	_, ok = firingFromEvent(eventbus.Event{Type: eventbus.TypeTaskFinished, Data: ev})
	assert.False(t, ok)
	_, ok = firingFromEvent(eventbus.Event{Type: eventbus.TypeTimerFired, Data: "not a timer event"})
	assert.False(t, ok)
}

func TestWallClockJobs(t *testing.T) {
	jobs := []config.JobConfig{
		{Name: "a", Every: "1m"},
		{Name: "b", Daily: "01:00:00"},
		{Name: "c", Cron: "@hourly"},
		{Name: "d", Minutely: "30"},
	}
	assert.Equal(t, []string{"b", "c", "d"}, wallClockJobs(jobs))
	assert.Equal(t, []string{"a", "b", "d"}, mergeNames([]string{"d", "a"}, []string{"b", "d"}))
}
