package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the sightings API and its background jobs.
var (
	EventsReportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sightings_events_reported_total",
			Help: "Total number of sightings accepted, by category",
		},
		[]string{"category"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sightings_notifications_total",
			Help: "Push notifications by trigger and outcome (sent, failed, suppressed)",
		},
		[]string{"trigger", "outcome"},
	)

	SweepDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sightings_sweep_deleted_total",
			Help: "Records removed by the retention sweeper, by target",
		},
		[]string{"target"},
	)

	SweepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sightings_sweep_failures_total",
			Help: "Sweep runs that stopped early, by target",
		},
		[]string{"target"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sightings_rate_limited_total",
			Help: "Requests rejected by the admission gate, by route class",
		},
		[]string{"route"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sightings_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register registers all Prometheus metrics with the default registry.
func Register() {
	prometheus.MustRegister(EventsReportedTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(SweepDeletedTotal)
	prometheus.MustRegister(SweepFailuresTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}
