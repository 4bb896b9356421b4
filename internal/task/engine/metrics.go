package engine

import "github.com/prometheus/client_golang/prometheus"

// Collector exports engine Snapshot values as prometheus metrics.
type Collector struct {
	svc *Service

	queueLen    *prometheus.Desc
	queueCap    *prometheus.Desc
	activeLimit *prometheus.Desc
	inFlight    *prometheus.Desc
	completed   *prometheus.Desc
	failed      *prometheus.Desc
	dropped     *prometheus.Desc
	skipped     *prometheus.Desc
}

func NewCollector(svc *Service) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("timerd", "engine", name), help, labels, nil)
	}
	return &Collector{
		svc:         svc,
		queueLen:    d("queue_length", "Tasks waiting in the queue."),
		queueCap:    d("queue_capacity", "Queue capacity."),
		activeLimit: d("active_limit", "Current soft concurrency limit."),
		inFlight:    d("in_flight", "Tasks currently executing."),
		completed:   d("tasks_completed_total", "Tasks that finished without error."),
		failed:      d("tasks_failed_total", "Tasks whose final attempt failed."),
		dropped:     d("tasks_dropped_total", "Tasks dropped before running.", "reason"),
		skipped:     d("tasks_skipped_total", "Tasks rejected by the overlap policy."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.queueLen, c.queueCap, c.activeLimit, c.inFlight, c.completed, c.failed, c.dropped, c.skipped} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.svc.Snapshot()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge(c.queueLen, snap.QueueLen)
	gauge(c.queueCap, snap.QueueCap)
	gauge(c.activeLimit, snap.ActiveLimit)
	gauge(c.inFlight, snap.InFlight)
	counter(c.completed, snap.Completed)
	counter(c.failed, snap.Failed)
	counter(c.dropped, snap.DroppedQueueFull, "queue_full")
	counter(c.dropped, snap.DroppedStale, "stale")
	counter(c.dropped, snap.SkippedBreaker, "breaker_open")
	counter(c.skipped, snap.Skipped)
}
