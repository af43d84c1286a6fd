package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "bookings_created_total", Help: "Total bookings created"})
	BookingsClosed  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "bookings_closed_total", Help: "Bookings reaching a terminal status"},
		[]string{"status"},
	)

	OffersMade = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_made_total", Help: "Offers delivered to candidate drivers"})
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_resolved_total", Help: "Offer outcomes"},
		[]string{"outcome"}, // accepted, rejected, timeout, stale
	)

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from ride request to first offer delivery",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
