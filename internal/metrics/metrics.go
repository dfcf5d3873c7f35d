package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatcore_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Relay metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_ws_connections_active",
			Help: "Open websocket connections on this instance",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_ws_events_received_total",
			Help: "Realtime events received from clients",
		},
		[]string{"event"},
	)

	EventsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_ws_events_refused_total",
			Help: "Realtime events answered with an error",
		},
		[]string{"event"},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_ws_slow_consumers_total",
			Help: "Connections dropped because their send buffer filled up",
		},
	)

	// Business metrics
	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_messages_stored_total",
			Help: "Messages persisted",
		},
		[]string{"kind"},
	)

	CallsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_calls_finished_total",
			Help: "Calls that reached a terminal state",
		},
		[]string{"outcome"}, // "ended", "rejected", "cancelled"
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_uploads_total",
			Help: "Media uploads by result",
		},
		[]string{"kind", "result"},
	)
)
