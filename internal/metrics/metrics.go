// Package metrics holds the Prometheus collectors for the tutoring engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequests counts handled HTTP requests by route pattern.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes HTTP request latency by route pattern.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutorloop_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"method", "route"},
	)

	// Turns counts finished turns by terminal event type.
	Turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_turns_total",
			Help: "Turns by terminal event (done, guardrail, error)",
		},
		[]string{"outcome"},
	)

	// TurnDuration observes wall time from turn start to terminal event.
	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutorloop_turn_duration_seconds",
			Help:    "Duration of a turn until its terminal event",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
	)

	// Classifications counts moderation and intent decisions by tier.
	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_classifications_total",
			Help: "Moderation and intent decisions by classifier and source (fast_path, model, fallback)",
		},
		[]string{"classifier", "source"},
	)

	// ProviderCalls counts generation provider calls by stage and result.
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_provider_calls_total",
			Help: "Generation provider calls by stage and result",
		},
		[]string{"stage", "result"},
	)

	// CacheLookups counts topic context cache lookups.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_topic_cache_lookups_total",
			Help: "Topic context cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	// BackgroundJobs counts post-stream jobs by result.
	BackgroundJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorloop_background_jobs_total",
			Help: "Post-stream background jobs by result (ok, failed, dropped)",
		},
		[]string{"result"},
	)

	// Advancements counts verified advancements.
	Advancements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorloop_advancements_total",
			Help: "Verified activity advancements",
		},
	)
)

// Register adds every collector to reg. Passing nil registers with the default registry.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		HTTPRequests,
		HTTPDuration,
		Turns,
		TurnDuration,
		Classifications,
		ProviderCalls,
		CacheLookups,
		BackgroundJobs,
		Advancements,
	)
}
