package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"timerd/internal/eventbus"
	rtsup "timerd/internal/runtime/supervisor"
	logx "timerd/pkg/logx"
)

const warnThrottleEvery = 30 * time.Second

// Service owns the timer store, the alarm and the loop goroutine.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	clk      clock.Clock
	mocked   bool
	newAlarm AlarmFactory
	metrics  *Metrics

	mu          sync.Mutex
	cfg         Config
	loc         *time.Location
	pool        WorkerPool
	alarm       Alarm
	alarmKind   string
	closed      bool
	running     bool
	now         time.Time // last observed alarm time
	armed       time.Time // deadline the alarm is armed for; zero when idle
	overtime    time.Duration
	timers      *store
	stopCh      chan struct{}
	sup         *rtsup.Supervisor
	notify      chan struct{}
	fired       atomic.Uint64
	overdue     atomic.Uint64
	dropped     atomic.Uint64
	warnDrop    rate.Sometimes
	warnOverdue rate.Sometimes

	onDrain func() // test hook, set before Start
}

// New builds a scheduler. pool may be nil, in which case due work runs inline
// on the loop goroutine.
func New(cfg Config, pool WorkerPool, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:         log,
		bus:         bus,
		pool:        pool,
		timers:      newStore(),
		notify:      make(chan struct{}, 1),
		warnDrop:    rate.Sometimes{Interval: warnThrottleEvery},
		warnOverdue: rate.Sometimes{Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	s.cfg = cfg.withDefaults()
	s.overtime = s.cfg.Overtime
	s.loc = s.loadLocation(s.cfg.Timezone)
	s.now = s.clk.Now()
	return s
}

// Apply updates the runtime-tunable settings. A change of alarm kind only
// takes effect for a scheduler that has not been initialized yet.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := s.loadLocation(cfg.Timezone)

	s.mu.Lock()
	if s.alarm != nil && cfg.Alarm != s.cfg.Alarm {
		s.log.Warn("alarm change requires restart", logx.String("current", s.alarmKind), logx.String("requested", cfg.Alarm))
		cfg.Alarm = s.cfg.Alarm
	}
	s.cfg = cfg
	s.overtime = cfg.Overtime
	s.loc = loc
	s.mu.Unlock()
}

// Initialize acquires the alarm primitive. It may be retried after a failure
// and is a no-op once it has succeeded.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.alarm != nil {
		return nil
	}
	factory, kind := s.newAlarm, "custom"
	if factory == nil {
		factory, kind = alarmFor(s.cfg.Alarm, s.clk, s.mocked)
	}
	a, err := factory(s.onAlarm)
	if err != nil {
		return fmt.Errorf("%w (%s): %w", ErrAlarmInit, kind, err)
	}
	s.alarm = a
	s.alarmKind = kind
	s.armMinLocked()
	s.log.Debug("alarm initialized", logx.String("alarm", kind), logx.Int("pending", s.timers.len()))
	return nil
}

// Start launches the loop goroutine. Cancelling ctx stops it like Stop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	prev := s.sup
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}
	// A previous loop may still be unwinding after Stop.
	if prev != nil {
		if err := prev.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.alarm == nil:
		s.mu.Unlock()
		return ErrNotInitialized
	case s.running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	alarm := s.alarmKind
	pooled := s.pool != nil
	pending := s.timers.len()
	s.mu.Unlock()

	// The restart host may see a cancelled context before the loop ever runs.
	context.AfterFunc(sup.Context(), func() { s.markStopped(stopCh) })

	sup.GoRestart("scheduler.loop", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return nil
		default:
		}
		if c.Err() != nil {
			s.markStopped(stopCh)
			return c.Err()
		}
		return errors.New("loop exited")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started",
		logx.String("alarm", alarm),
		logx.Bool("pooled", pooled),
		logx.Int("pending", pending),
	)
	return nil
}

// Stop clears the run flag and wakes the loop without waiting for it to exit.
// Pending timers stay in the store and resume on the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	s.log.Info("stop requested")
}

// markStopped clears the run flag when the loop ended because its context was
// cancelled rather than through Stop.
func (s *Service) markStopped(stopCh chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stopCh == stopCh {
		s.running = false
		close(stopCh)
	}
}

// StopAndJoin stops the loop and waits for its goroutine to exit.
func (s *Service) StopAndJoin(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clk.Now()
	s.Stop()

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("loop reported error", logx.Err(err))
	}

	s.mu.Lock()
	if s.sup == sup && !s.running {
		s.sup = nil
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped", logx.Duration("took", s.clk.Since(start)))
	return nil
}

// Close stops the loop, releases the alarm and resolves every pending
// one-shot future with ErrClosed. The scheduler cannot be reused.
func (s *Service) Close() error {
	_ = s.StopAndJoin(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	a := s.alarm
	s.alarm = nil
	s.armed = time.Time{}
	pending := s.timers.drain()
	s.mu.Unlock()

	s.metrics.setPending(0)
	for _, t := range pending {
		if t.work.done != nil {
			t.work.done(ErrClosed)
		}
		t.work = unit{}
	}
	if len(pending) > 0 {
		s.log.Info("discarded pending timers", logx.Int("count", len(pending)))
	}
	if a == nil {
		return nil
	}
	return a.Close()
}

// SetOvertime sets the lateness threshold. Zero or negative means Unbounded.
func (s *Service) SetOvertime(d time.Duration) {
	s.mu.Lock()
	s.overtime = normalizeOvertime(d)
	s.mu.Unlock()
}

// SetWorkerPool switches between pooled (p != nil) and inline dispatch.
func (s *Service) SetWorkerPool(p WorkerPool) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

// Now returns the current time of the scheduler clock.
func (s *Service) Now() time.Time { return s.clk.Now() }

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// onAlarm runs on the alarm's goroutine. It only records the observed time
// and wakes the loop; duplicate wakes coalesce.
func (s *Service) onAlarm() {
	s.mu.Lock()
	s.observeLocked(s.clk.Now())
	s.armed = time.Time{}
	s.mu.Unlock()
	s.wake()
}

func (s *Service) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Service) observeLocked(t time.Time) {
	if t.After(s.now) {
		s.now = t
	}
}

// armMinLocked points the alarm at the earliest pending expiration, or
// disarms it when the store is empty.
func (s *Service) armMinLocked() {
	if s.alarm == nil {
		return
	}
	next, ok := s.timers.peekMin()
	if !ok {
		if !s.armed.IsZero() {
			if err := s.alarm.Disarm(); err != nil {
				s.log.Warn("alarm disarm failed", logx.Err(err))
			}
			s.armed = time.Time{}
		}
		return
	}
	if err := s.alarm.Arm(next.Sub(s.clk.Now())); err != nil {
		s.log.Warn("alarm arm failed", logx.Time("deadline", next), logx.Err(err))
		return
	}
	s.armed = next
	s.metrics.alarmArmed()
}
