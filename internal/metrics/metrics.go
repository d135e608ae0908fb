// Package metrics collects Prometheus metrics for the worker: leadership
// churn, heartbeat health, reclaimer batch sizes and status-update outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	LeadershipAcquired prometheus.Counter
	LeadershipLost     prometheus.Counter
	HeartbeatFailures  prometheus.Counter
	HeartbeatSkips     prometheus.Counter

	JobsDispatched prometheus.Counter
	DispatchErrors prometheus.Counter

	ReclaimDetected   prometheus.Gauge
	ReclaimResetToNew prometheus.Counter
	ReclaimMarkedDead prometheus.Counter
	ReclaimErrors     prometheus.Counter

	StatusUpdates  *prometheus.CounterVec // outcome: success | dlq | not_found
	StatusAttempts prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		LeadershipAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_leadership_acquired_total",
			Help: "Times this process acquired the task lease.",
		}),
		LeadershipLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_leadership_lost_total",
			Help: "Times this process lost the task lease to another holder.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_heartbeat_failures_total",
			Help: "Lease heartbeat writes that errored (leadership uncertain).",
		}),
		HeartbeatSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_heartbeat_skips_total",
			Help: "Lease heartbeats skipped due to connection pool pressure.",
		}),
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_jobs_dispatched_total",
			Help: "Jobs handed to the processing callback.",
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_dispatch_errors_total",
			Help: "Processing callback invocations that returned an error.",
		}),
		ReclaimDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inboxd_reclaim_detected",
			Help: "Stale PROCESSING jobs counted at the start of the last reclaimer pass.",
		}),
		ReclaimResetToNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_reclaim_reset_to_new_total",
			Help: "Stale jobs reset to NEW for retry.",
		}),
		ReclaimMarkedDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_reclaim_marked_dead_total",
			Help: "Stale jobs dead-lettered after exhausting attempts.",
		}),
		ReclaimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inboxd_reclaim_errors_total",
			Help: "Errors while dead-lettering claimed jobs; the batch continues.",
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxd_status_updates_total",
			Help: "Guaranteed status-update results by outcome.",
		}, []string{"outcome"}),
		StatusAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inboxd_status_update_attempts",
			Help:    "Attempts needed per guaranteed status update.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
	}

	c.registry.MustRegister(
		c.LeadershipAcquired, c.LeadershipLost, c.HeartbeatFailures, c.HeartbeatSkips,
		c.JobsDispatched, c.DispatchErrors,
		c.ReclaimDetected, c.ReclaimResetToNew, c.ReclaimMarkedDead, c.ReclaimErrors,
		c.StatusUpdates, c.StatusAttempts,
	)
	return c
}

// Handler serves the collector's registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
