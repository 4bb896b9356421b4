package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	logx "timerd/pkg/logx"
)

const (
	scaleTick         = 2 * time.Second
	scaleUpCooldown   = 6 * time.Second
	scaleDownCooldown = 3 * time.Second
	scaleIdleCooldown = 10 * time.Second
	scaleIdleTicks    = 3
)

// initialPermitLimit starts conservative; autoscale ramps up under backlog.
func initialPermitLimit(workers int) int32 {
	if workers >= 3 {
		return 2
	}
	return 1
}

func (s *Service) acquirePermit(ctx context.Context, stopCh <-chan struct{}) bool {
	s.mu.Lock()
	ch := s.permits
	s.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-ch:
		return true
	}
}

func (s *Service) releasePermit() {
	s.mu.Lock()
	ch := s.permits
	s.mu.Unlock()
	if ch == nil {
		return
	}
	lim := s.permitLimit.Load()
	if lim <= 0 || int32(len(ch))+s.inFlight.Load() >= lim {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) setPermitLimit(n int32) {
	n = min(max(n, 1), max(s.permitMax.Load(), 1))
	s.permitLimit.Store(n)

	s.mu.Lock()
	ch := s.permits
	s.mu.Unlock()
	if ch == nil {
		return
	}
	in := s.inFlight.Load()
	avail := int32(len(ch))
	for avail+in > n {
		select {
		case <-ch:
			avail--
		default:
			return
		}
	}
	for avail+in < n {
		select {
		case ch <- struct{}{}:
			avail++
		default:
			return
		}
	}
}

// pressure reports a scale-down step when the heap nears its limit or GC
// pauses spike.
type pressure struct {
	ms        runtime.MemStats
	lastPause uint64
	lastGC    uint32
}

func (p *pressure) sample() (downBy int32, reason string) {
	runtime.ReadMemStats(&p.ms)
	pauseDelta := p.ms.PauseTotalNs - p.lastPause
	gcDelta := p.ms.NumGC - p.lastGC
	p.lastPause, p.lastGC = p.ms.PauseTotalNs, p.ms.NumGC

	heap := int64(p.ms.HeapInuse)
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<60 {
		switch {
		case heap > limit*85/100:
			return 2, "mem>85%"
		case heap > limit*75/100:
			return 1, "mem>75%"
		}
	} else if heap > 1<<30 {
		return 2, "heap>1GiB"
	}
	if gcDelta > 0 && pauseDelta > uint64(250*time.Millisecond) {
		return 1, "gc_pause"
	}
	if runtime.NumGoroutine() > 3000 {
		return 1, "goroutines>3000"
	}
	return 0, ""
}

// autoscale adjusts the soft concurrency limit: down fast under resource
// pressure or sustained idleness, up slowly while a backlog persists.
func (s *Service) autoscale(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	t := time.NewTicker(scaleTick)
	defer t.Stop()

	var (
		p          pressure
		lastChange time.Time
		idle       int
	)
	change := func(now time.Time, from, to int32, reason string) {
		s.setPermitLimit(to)
		lastChange = now
		s.log.Debug("active limit changed",
			logx.Int("from", int(from)),
			logx.Int("to", int(s.permitLimit.Load())),
			logx.String("reason", reason),
			logx.Int("queue", len(queue)),
			logx.Int("inflight", int(s.inFlight.Load())),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
		}

		now := time.Now()
		since := now.Sub(lastChange)
		lim := s.permitLimit.Load()
		hi := max(s.permitMax.Load(), 1)

		if downBy, reason := p.sample(); downBy > 0 {
			if lim > 1 && since >= scaleDownCooldown {
				change(now, lim, lim-downBy, reason)
			}
			continue
		}

		backlog := int32(len(queue)) + s.waitingForPermit.Load()
		if backlog == 0 && s.inFlight.Load() == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= scaleIdleTicks && lim > 1 {
			if since >= scaleIdleCooldown {
				change(now, lim, lim-1, "idle")
				idle = 0
			}
			continue
		}

		if backlog == 0 || lim >= hi || since < scaleUpCooldown {
			continue
		}
		ratio := 0.0
		if c := cap(queue); c > 0 {
			ratio = float64(len(queue)) / float64(c)
		}
		var bump int32
		switch {
		case ratio > 0.85:
			bump = 2
		case ratio > 0.60 || backlog > lim:
			bump = 1
		}
		if bump > 0 {
			change(now, lim, lim+bump, "backlog")
		}
	}
}
