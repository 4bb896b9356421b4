package app

import (
	"context"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/storage"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

const firingWriteTimeout = 2 * time.Second

var firingOutcomes = map[string]string{
	eventbus.TypeTimerFired:   storage.OutcomeFired,
	eventbus.TypeTimerOverdue: storage.OutcomeOverdue,
	eventbus.TypeTimerDropped: storage.OutcomeDropped,
}

func firingFromEvent(e eventbus.Event) (storage.Firing, bool) {
	outcome, ok := firingOutcomes[e.Type]
	if !ok {
		return storage.Firing{}, false
	}
	ev, ok := e.Data.(scheduler.TimerEvent)
	if !ok {
		return storage.Firing{}, false
	}
	return storage.Firing{
		At:         e.Time,
		TimerID:    ev.ID,
		Name:       ev.Name,
		Kind:       string(ev.Kind),
		Outcome:    outcome,
		Expiration: ev.Expiration,
		Lateness:   ev.Lateness,
		Error:      ev.Error,
	}, true
}

// recordFirings copies timer outcomes from the bus into the firing journal
// until ctx is done. Events dropped by a full subscription are lost.
func (a *App) recordFirings(ctx context.Context, events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	log := a.log.With(logx.String("comp", "firings"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			f, ok := firingFromEvent(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), firingWriteTimeout)
			err := a.store.AppendFiring(wctx, f)
			cancel()
			if err != nil {
				a.warnFiring.Do(func() {
					log.Warn("failed to record firing", logx.String("timer", f.Name), logx.Err(err))
				})
			}
		}
	}
}
