package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	SearchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "searches_total", Help: "Total trip searches"})
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total match candidates returned"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match scoring latency seconds"})
	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routing lookups that fell back to great-circle distance"})

	TripsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Total trips created"})
	SeatsReserved  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "seats_reserved_total", Help: "Total seats reserved"})
	SeatConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "seat_conflicts_total", Help: "Seat reservations rejected for capacity"})
	OtpFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "otp_failures_total", Help: "OTP verifications that did not match"})
	CarbonSavedKg  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "carbon_saved_kg_total", Help: "Estimated CO2 saved by completed trips"})
	RequestsByStep = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_request_transitions_total", Help: "Ride request status transitions"},
		[]string{"to"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride events handed to the outbox"},
		[]string{"kind"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Ride events dropped because the outbox was full or unavailable"})
	EventsFailed  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_handler_failures_total", Help: "Ride event handler failures"},
		[]string{"kind"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Notifications delivered"},
		[]string{"kind", "channel"},
	)

	PaymentsInitiated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payments_initiated_total", Help: "Payment records created"})
	PaymentsSettled   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_settled_total", Help: "Payment settlements by outcome"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
