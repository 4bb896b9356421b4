package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/config"
	"timerd/internal/observability/debug"
	rtsup "timerd/internal/runtime/supervisor"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
	"timerd/pkg/systemd"
)

const (
	maxCommandOutput = 4 << 10
	commandWaitDelay = 2 * time.Second
)

type action func(ctx context.Context) error

// unitRunner is satisfied by *systemd.UnitManager.
type unitRunner interface {
	Run(ctx context.Context, unit string, op systemd.UnitOp) error
}

// submitter is satisfied by *engine.Service.
type submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

type jobEntry struct {
	cfg    config.JobConfig
	gen    uint64
	run    action
	timer  *scheduler.Timer
	cancel context.CancelFunc // cron chain only
}

// jobRegistry owns the timers created for configured jobs. Every apply bumps
// the generation; an occurrence whose entry was replaced or removed since it
// was scheduled does nothing when it fires.
type jobRegistry struct {
	log   logx.Logger
	sched *scheduler.Service
	units unitRunner
	sup   *rtsup.Supervisor
	gen   atomic.Uint64

	mu      sync.Mutex
	loc     *time.Location
	entries map[string]*jobEntry
}

func newJobRegistry(log logx.Logger, sched *scheduler.Service, units unitRunner, sup *rtsup.Supervisor) *jobRegistry {
	return &jobRegistry{
		log:     log,
		sched:   sched,
		units:   units,
		sup:     sup,
		loc:     time.Local,
		entries: make(map[string]*jobEntry),
	}
}

// setLocation sets the zone cron specs are evaluated in.
func (r *jobRegistry) setLocation(tz string) {
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	r.mu.Lock()
	r.loc = loc
	r.mu.Unlock()
}

// apply reschedules the named jobs, or every job when only is nil. Jobs not
// present in jobs are removed. A job that fails to schedule is skipped and
// reported in the returned error.
func (r *jobRegistry) apply(jobs []config.JobConfig, only []string) error {
	gen := r.gen.Add(1)
	var pick func(string) bool
	if only == nil {
		pick = func(string) bool { return true }
	} else {
		set := make(map[string]struct{}, len(only))
		for _, n := range only {
			set[n] = struct{}{}
		}
		pick = func(n string) bool { _, ok := set[n]; return ok }
	}

	r.mu.Lock()
	var retired []*jobEntry
	for name, e := range r.entries {
		if pick(name) {
			retired = append(retired, e)
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()
	for _, e := range retired {
		r.retire(e)
	}

	var errs []error
	added := 0
	for _, jc := range jobs {
		jc.Name = strings.TrimSpace(jc.Name)
		if !pick(jc.Name) {
			continue
		}
		if err := r.schedule(gen, jc); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	r.log.Info("jobs applied",
		logx.Uint64("generation", gen),
		logx.Int("scheduled", added),
		logx.Int("retired", len(retired)),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (r *jobRegistry) retire(e *jobEntry) {
	r.mu.Lock()
	t, cancel := e.timer, e.cancel
	r.mu.Unlock()
	t.StopRepeat()
	if cancel != nil {
		cancel()
	}
}

// stopAll retires every job.
func (r *jobRegistry) stopAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*jobEntry)
	r.mu.Unlock()
	for _, e := range entries {
		r.retire(e)
	}
}

func (r *jobRegistry) live(name string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[name]
	return e != nil && e.gen == gen
}

func (r *jobRegistry) timer(name string) *scheduler.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[name]; e != nil {
		return e.timer
	}
	return nil
}

// trigger queues one run of a configured job outside its schedule. It blocks
// until the pool accepts the run or ctx ends.
func (r *jobRegistry) trigger(ctx context.Context, pool submitter, name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	e := r.entries[name]
	r.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", debug.ErrUnknownJob, name)
	}
	err := pool.Submit(ctx, engine.Task{
		Name:    name,
		Timeout: e.cfg.TimeoutDuration(),
		Run:     e.run,
		Opt:     engine.TaskOptions{RetryMax: e.cfg.Retry, BreakerTrip: e.cfg.Breaker},
	})
	if err != nil {
		return err
	}
	r.log.Info("job triggered", logx.String("job", name), logx.Uint64("generation", e.gen))
	return nil
}

func (r *jobRegistry) setTimer(e *jobEntry, t *scheduler.Timer) {
	r.mu.Lock()
	e.timer = t
	r.mu.Unlock()
}

func (r *jobRegistry) guard(name string, gen uint64, act action) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !r.live(name, gen) {
			r.log.Debug("stale occurrence ignored", logx.String("job", name), logx.Uint64("generation", gen))
			return nil
		}
		return act(ctx)
	}
}

func (r *jobRegistry) schedule(gen uint64, jc config.JobConfig) error {
	name := jc.Name
	kind, value, err := jc.Trigger()
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	act, err := r.buildAction(jc)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	run := r.guard(name, gen, act)
	opts := jobOptions(jc)

	e := &jobEntry{cfg: jc, gen: gen, run: act}
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()

	var t *scheduler.Timer
	switch kind {
	case config.TriggerAt:
		var at time.Time
		if at, err = time.Parse(time.RFC3339, value); err != nil {
			break
		}
		if !at.After(time.Now()) {
			err = fmt.Errorf("at %s has already passed", value)
			break
		}
		t, _, err = scheduler.AtWallClock(r.sched, at, once(run), opts...)
	case config.TriggerAfter:
		var d time.Duration
		if d, err = config.ParseDurationField("after", value); err == nil {
			t, _, err = scheduler.After(r.sched, d, once(run), opts...)
		}
	case config.TriggerEvery:
		var d time.Duration
		if d, err = config.ParseDurationField("every", value); err == nil {
			t, err = r.sched.Every(d, run, opts...)
		}
	case config.TriggerDaily, config.TriggerHourly, config.TriggerMinutely:
		var h, m, s int
		if h, m, s, err = config.ParseClock(value, config.ClockFields(kind)); err != nil {
			break
		}
		switch kind {
		case config.TriggerDaily:
			t, err = r.sched.RepeatAtDay(h, m, s, run, opts...)
		case config.TriggerHourly:
			t, err = r.sched.RepeatAtHour(m, s, run, opts...)
		default:
			t, err = r.sched.RepeatAtMinute(s, run, opts...)
		}
	case config.TriggerCron:
		err = r.startCron(e, value, run, opts)
	}
	if err != nil {
		r.mu.Lock()
		if r.entries[name] == e {
			delete(r.entries, name)
		}
		r.mu.Unlock()
		return fmt.Errorf("job %q: %w", name, err)
	}
	if t != nil {
		r.setTimer(e, t)
	}
	r.log.Debug("job scheduled", logx.String("job", name), logx.String("trigger", kind), logx.String("value", value))
	return nil
}

// startCron schedules the next occurrence as a one-shot and reschedules from
// a supervised goroutine each time the previous one resolves.
func (r *jobRegistry) startCron(e *jobEntry, spec string, run func(ctx context.Context) error, opts []scheduler.JobOption) error {
	cs, err := config.CronParser.Parse(spec)
	if err != nil {
		return err
	}
	next := func() (*scheduler.Future[struct{}], error) {
		r.mu.Lock()
		loc := r.loc
		r.mu.Unlock()
		at := cs.Next(time.Now().In(loc))
		if at.IsZero() {
			return nil, errors.New("cron spec has no future occurrence")
		}
		t, fut, err := scheduler.AtWallClock(r.sched, at, once(run), opts...)
		if err != nil {
			return nil, err
		}
		r.setTimer(e, t)
		return fut, nil
	}
	fut, err := next()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.sup.Context())
	r.mu.Lock()
	e.cancel = cancel
	r.mu.Unlock()

	name, gen := e.cfg.Name, e.gen
	r.sup.Go0("job."+name+".cron", func(context.Context) {
		defer cancel()
		r.cronChain(ctx, name, gen, fut, next)
	})
	return nil
}

func (r *jobRegistry) cronChain(ctx context.Context, name string, gen uint64, fut *scheduler.Future[struct{}], next func() (*scheduler.Future[struct{}], error)) {
	for {
		_, err := fut.Wait(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, scheduler.ErrClosed):
			return
		case err != nil && !errors.Is(err, scheduler.ErrOverdue):
			r.log.Debug("cron occurrence failed", logx.String("job", name), logx.Err(err))
		}
		if !r.live(name, gen) {
			return
		}
		if fut, err = next(); err != nil {
			r.log.Warn("cron job stopped", logx.String("job", name), logx.Err(err))
			return
		}
	}
}

func once(run func(ctx context.Context) error) func(ctx context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) { return struct{}{}, run(ctx) }
}

func jobOptions(jc config.JobConfig) []scheduler.JobOption {
	opts := []scheduler.JobOption{
		scheduler.WithName(jc.Name),
		scheduler.WithTimeout(jc.TimeoutDuration()),
		scheduler.WithRetry(jc.Retry),
		scheduler.WithBreaker(jc.Breaker),
	}
	if jc.SkipOverlap() {
		opts = append(opts, scheduler.WithOverlap(engine.OverlapSkipIfRunning))
	}
	return opts
}

func (r *jobRegistry) buildAction(jc config.JobConfig) (action, error) {
	name := jc.Name
	switch {
	case len(jc.Command) > 0:
		argv := append([]string(nil), jc.Command...)
		env := commandEnv(jc.Env)
		dir := jc.Dir
		return func(ctx context.Context) error {
			return r.runCommand(ctx, name, argv, dir, env)
		}, nil
	case jc.Unit != nil:
		op, err := systemd.ParseUnitOp(jc.Unit.Op)
		if err != nil {
			return nil, err
		}
		unit := jc.Unit.Name
		if r.units == nil {
			return nil, systemd.ErrUnsupported
		}
		return func(ctx context.Context) error {
			if err := r.units.Run(ctx, unit, op); err != nil {
				return err
			}
			r.log.Info("unit job done", logx.String("job", name), logx.String("unit", unit), logx.String("op", string(op)))
			return nil
		}, nil
	case strings.TrimSpace(jc.Message) != "":
		msg := jc.Message
		return func(context.Context) error {
			r.log.Info(msg, logx.String("job", name))
			return nil
		}, nil
	}
	return nil, errors.New("no action configured")
}

func (r *jobRegistry) runCommand(ctx context.Context, name string, argv []string, dir string, env []string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = commandWaitDelay
	out, err := cmd.CombinedOutput()
	took := time.Since(start)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return engine.NoRetry(fmt.Errorf("%s: %w", argv[0], err))
		}
		if tail := outputTail(out); tail != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("command finished",
			logx.String("job", name),
			logx.Duration("took", took),
			logx.String("output", outputTail(out)),
		)
	}
	return nil
}

// commandEnv returns nil (inherit) when extra is empty.
func commandEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func outputTail(out []byte) string {
	if len(out) > maxCommandOutput {
		out = out[len(out)-maxCommandOutput:]
	}
	return strings.TrimSpace(string(out))
}
