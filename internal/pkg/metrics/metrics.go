// Package metrics holds the Prometheus collectors for the dispatch engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send outcomes by channel and result (sent, retrying, failed, released).
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Delivery attempts processed by the dispatcher",
		},
		[]string{"channel", "result"},
	)

	// Classified failures by kind.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_failures_total",
			Help: "Classified delivery failures",
		},
		[]string{"kind"},
	)

	// Transport call latency in seconds.
	TransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_transport_duration_seconds",
			Help:    "Transport send latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"channel"},
	)

	RetriesRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_requeued_total",
			Help: "Retrying attempts flipped back to pending",
		},
	)

	RetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_exhausted_total",
			Help: "Retrying attempts terminated after exceeding max retries",
		},
	)

	// Scheduler cycles by trigger (periodic, manual) and outcome.
	SchedulerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_scheduler_cycles_total",
			Help: "Retry scheduler cycles",
		},
		[]string{"trigger", "outcome"},
	)

	SchedulerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retry_scheduler_cycle_duration_seconds",
			Help:    "Retry scheduler cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Campaign status transitions by target status.
	CampaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_transitions_total",
			Help: "Campaign lifecycle transitions",
		},
		[]string{"status"},
	)

	// Engagement events by kind (opened, clicked) and result (recorded, duplicate, dropped).
	EngagementEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_engagement_events_total",
			Help: "Open and click events received by the tracking endpoints",
		},
		[]string{"kind", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

// RecordSend counts one processed attempt.
func RecordSend(channel, result string) {
	SendsTotal.WithLabelValues(channel, result).Inc()
}

// RecordFailure counts one classified failure.
func RecordFailure(kind string) {
	FailuresTotal.WithLabelValues(kind).Inc()
}

// RecordTransport observes one transport call.
func RecordTransport(channel string, d time.Duration) {
	TransportDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordTransition counts one campaign status change.
func RecordTransition(status string) {
	CampaignTransitions.WithLabelValues(status).Inc()
}

// RecordEngagement counts one tracking event.
func RecordEngagement(kind, result string) {
	EngagementEvents.WithLabelValues(kind, result).Inc()
}

// RecordSchedulerCycle counts one scheduler cycle and its duration.
func RecordSchedulerCycle(trigger, outcome string, d time.Duration) {
	SchedulerCycles.WithLabelValues(trigger, outcome).Inc()
	SchedulerCycleDuration.Observe(d.Seconds())
}
