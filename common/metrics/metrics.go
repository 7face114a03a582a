// Package metrics provides Prometheus metrics for the relay coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_poll_ticks_total",
			Help: "Status polls by job kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	activeLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrelay_active_poll_loops",
			Help: "Number of running polling loops",
		},
	)

	jobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_jobs_started_total",
			Help: "Jobs acknowledged by the job server",
		},
		[]string{"kind"},
	)

	startFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_start_failures_total",
			Help: "Start requests rejected before a job existed",
		},
		[]string{"kind", "error"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_jobs_finished_total",
			Help: "Jobs reaching a terminal status",
		},
		[]string{"kind", "status", "failure"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrelay_job_duration_seconds",
			Help:    "Time from acknowledgement to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"kind"},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_events_published_total",
			Help: "Broadcast events by type",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelrelay_events_dropped_total",
			Help: "Broadcast events dropped for slow subscribers",
		},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrelay_event_subscribers",
			Help: "Number of connected event subscribers",
		},
	)
)

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPoll counts one status poll; outcome is ok, not_found or error
func RecordPoll(kind, outcome string) {
	pollTicksTotal.WithLabelValues(kind, outcome).Inc()
}

// LoopStarted increments the running loop gauge
func LoopStarted() {
	activeLoops.Inc()
}

// LoopStopped decrements the running loop gauge
func LoopStopped() {
	activeLoops.Dec()
}

// RecordJobStarted counts an acknowledged job
func RecordJobStarted(kind string) {
	jobsStartedTotal.WithLabelValues(kind).Inc()
}

// RecordStartFailure counts a rejected start request
func RecordStartFailure(kind, errKind string) {
	if errKind == "" {
		errKind = "other"
	}
	startFailuresTotal.WithLabelValues(kind, errKind).Inc()
}

// RecordJobFinished counts a terminal job and observes its duration
func RecordJobFinished(kind, status, failure string, seconds float64) {
	jobsFinishedTotal.WithLabelValues(kind, status, failure).Inc()
	jobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordEvent counts a published broadcast event
func RecordEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts an event dropped for a slow subscriber
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetSubscribers sets the subscriber gauge
func SetSubscribers(n int) {
	subscribersActive.Set(float64(n))
}
