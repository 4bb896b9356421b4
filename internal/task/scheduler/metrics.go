package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	scheduled *prometheus.CounterVec
	fired     prometheus.Counter
	overdue   prometheus.Counter
	dropped   prometheus.Counter
	lateness  prometheus.Histogram
	pending   prometheus.Gauge
	arms      prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timerd",
			Name:      "timers_scheduled_total",
			Help:      "Timers registered, by submission kind.",
		}, []string{"kind"}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timerd",
			Name:      "timers_fired_total",
			Help:      "Occurrences dispatched.",
		}),
		overdue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timerd",
			Name:      "timers_overdue_total",
			Help:      "Occurrences skipped for exceeding the overtime threshold.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timerd",
			Name:      "timers_dropped_total",
			Help:      "Occurrences rejected by the worker pool.",
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "timerd",
			Name:      "timer_lateness_seconds",
			Help:      "Delay between expiration and dispatch.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "timerd",
			Name:      "timers_pending",
			Help:      "Occurrences waiting in the timer store.",
		}),
		arms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timerd",
			Name:      "alarm_arms_total",
			Help:      "Times the alarm was (re)armed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scheduled, m.fired, m.overdue, m.dropped, m.lateness, m.pending, m.arms)
	}
	return m
}

func (m *Metrics) observeScheduled(k Kind, pending int) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(string(k)).Inc()
	m.pending.Set(float64(pending))
}

func (m *Metrics) observeFired(lateness time.Duration) {
	if m == nil {
		return
	}
	m.fired.Inc()
	m.lateness.Observe(lateness.Seconds())
}

func (m *Metrics) observeOverdue() {
	if m == nil {
		return
	}
	m.overdue.Inc()
}

func (m *Metrics) observeDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) alarmArmed() {
	if m == nil {
		return
	}
	m.arms.Inc()
}
