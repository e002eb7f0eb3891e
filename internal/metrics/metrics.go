// Package metrics holds the Prometheus collectors the engine updates.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foreman"

// Metrics groups every collector on its own registry, so tests and
// multiple engines in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Dispatched      prometheus.Counter
	DispatchSkipped *prometheus.CounterVec // reason
	Retries         prometheus.Counter
	Escalations     prometheus.Counter
	AgentsDemoted   prometheus.Counter
	LockConflicts   prometheus.Counter
	LocksExpired    prometheus.Counter
	LockHeld        prometheus.Histogram
	LoopDuration    *prometheus.HistogramVec // loop
	LoopErrors      *prometheus.CounterVec   // loop
	EventsDropped   prometheus.Counter
}

// New creates and registers all collectors. Go runtime and process
// collectors are registered too.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_dispatched_total",
			Help: "Tasks assigned by the dispatcher.",
		}),
		DispatchSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_skipped_total",
			Help: "Pending tasks the dispatcher left alone, by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_retries_total",
			Help: "Tasks returned to the queue after a timeout.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "High-severity escalations raised.",
		}),
		AgentsDemoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agents_demoted_total",
			Help: "Agents marked inactive for missing heartbeats.",
		}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_conflicts_total",
			Help: "Lock requests refused because another agent held the resource.",
		}),
		LocksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "locks_expired_total",
			Help: "Locks expired by the reaper.",
		}),
		LockHeld: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lock_held_seconds",
			Help:    "How long a lock was held before release.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "loop_duration_seconds",
			Help:    "Duration of one control loop tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		LoopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_errors_total",
			Help: "Control loop ticks or items that failed.",
		}, []string{"loop"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Notifications dropped because the buffer was full.",
		}),
	}
	m.Registry.MustRegister(
		m.Dispatched, m.DispatchSkipped, m.Retries, m.Escalations, m.AgentsDemoted,
		m.LockConflicts, m.LocksExpired, m.LockHeld, m.LoopDuration, m.LoopErrors,
		m.EventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveLoop records a tick of loop that started at start.
func (m *Metrics) ObserveLoop(loop string, start time.Time, err error) {
	m.LoopDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())
	if err != nil {
		m.LoopErrors.WithLabelValues(loop).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
