// Package metrics exposes Prometheus instrumentation for the framework.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannoli_jobs_total",
			Help: "Total number of jobs processed, by pool, job type and outcome",
		},
		[]string{"pool", "type", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cannoli_job_duration_seconds",
			Help:    "Job body execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool", "type"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cannoli_queue_depth",
			Help: "Number of queued jobs, by pool and priority tier",
		},
		[]string{"pool", "priority"},
	)

	inflightJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cannoli_inflight_jobs",
			Help: "Number of job bodies currently executing, by pool",
		},
		[]string{"pool"},
	)

	routesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cannoli_routes_resolved_total",
			Help: "Route resolution attempts, by outcome (resolved, expired, invalid)",
		},
		[]string{"outcome"},
	)

	turnWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cannoli_turn_wait_seconds",
			Help:    "Time spent waiting for a session turn",
			Buckets: prometheus.DefBuckets,
		},
	)

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			jobsTotal,
			jobDuration,
			queueDepth,
			inflightJobs,
			routesResolved,
			turnWait,
		)
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// JobCompleted records a finished job body.
func JobCompleted(pool, jobType, outcome string, d time.Duration) {
	jobsTotal.WithLabelValues(pool, jobType, outcome).Inc()
	jobDuration.WithLabelValues(pool, jobType).Observe(d.Seconds())
}

// SetQueueDepth records current queue depth per tier for a pool.
func SetQueueDepth(pool string, high, normal int) {
	queueDepth.WithLabelValues(pool, "high").Set(float64(high))
	queueDepth.WithLabelValues(pool, "normal").Set(float64(normal))
}

// JobStarted marks a job body as in flight.
func JobStarted(pool string) {
	inflightJobs.WithLabelValues(pool).Inc()
}

// JobFinished marks a job body as no longer in flight.
func JobFinished(pool string) {
	inflightJobs.WithLabelValues(pool).Dec()
}

// RouteResolution records the outcome of resolving an opaque callback id.
func RouteResolution(outcome string) {
	routesResolved.WithLabelValues(outcome).Inc()
}

// ObserveTurnWait records how long a synchronous invocation waited for
// its session turn.
func ObserveTurnWait(d time.Duration) {
	turnWait.Observe(d.Seconds())
}
