// Package metrics exposes check-in and reconciliation counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/checkin-engine/checkin"
)

// Collector records check-in outcomes. It satisfies checkin.Recorder.
type Collector struct {
	checkins          *prometheus.CounterVec
	duration          prometheus.Histogram
	rollbackFailures  prometheus.Counter
	cacheFailures     prometheus.Counter
	reconcileCorrects prometheus.Counter
	reconcileRuns     *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_total",
			Help: "Check-in attempts by outcome (success or error kind).",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkin_duration_seconds",
			Help:    "Time from check-in request to result.",
			Buckets: prometheus.DefBuckets,
		}),
		rollbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_rollback_failures_total",
			Help: "Compensating session deletes that failed.",
		}),
		cacheFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkin_cache_write_failures_total",
			Help: "Balance cache writes that failed after a committed check-in.",
		}),
		reconcileCorrects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_corrections_total",
			Help: "Client balance caches rewritten by reconciliation.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciliation runs by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.checkins,
		c.duration,
		c.rollbackFailures,
		c.cacheFailures,
		c.reconcileCorrects,
		c.reconcileRuns,
	)

	return c
}

// RecordCheckIn counts one finished check-in.
func (c *Collector) RecordCheckIn(outcome string, d time.Duration) {
	c.checkins.WithLabelValues(outcome).Inc()
	c.duration.Observe(d.Seconds())
}

func (c *Collector) RecordRollbackFailure() {
	c.rollbackFailures.Inc()
}

func (c *Collector) RecordCacheWriteFailure() {
	c.cacheFailures.Inc()
}

// RecordReconcile counts one reconciliation run and its corrections.
func (c *Collector) RecordReconcile(corrections int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.reconcileRuns.WithLabelValues(result).Inc()
	c.reconcileCorrects.Add(float64(corrections))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ checkin.Recorder = (*Collector)(nil)
