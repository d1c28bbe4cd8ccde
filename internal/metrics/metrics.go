package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker states exported by WorkerState. Exactly one is set to 1.
var WorkerStates = []string{"connecting", "polling", "retrying", "paused", "stopping", "stopped"}

var (
	// Route
	RoutePointsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simroute_points_appended_total",
			Help: "Total number of points appended to the route",
		},
	)

	RouteResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simroute_route_resets_total",
			Help: "Total number of route resets",
		},
	)

	RouteLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simroute_route_points",
			Help: "Number of points in the current route session",
		},
	)

	// Worker
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simroute_worker_state",
			Help: "Current worker state (1 for the active state)",
		},
		[]string{"state"},
	)

	DeviceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simroute_device_errors_total",
			Help: "Device errors by kind",
		},
		[]string{"source", "kind"}, // "connect", "sample", "no_fix", "breaker_open", "terminal"
	)

	DeviceConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simroute_device_connect_attempts_total",
			Help: "Device connect attempts",
		},
		[]string{"source"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simroute_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simroute_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"method", "route"},
	)

	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simroute_websocket_connections_active",
			Help: "Number of active position stream connections",
		},
	)

	// Relay
	RelayFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simroute_gdl90_frames_sent_total",
			Help: "GDL90 frames broadcast by the relay",
		},
	)
)

// SetWorkerState marks state as the active worker state.
func SetWorkerState(state string) {
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		WorkerState.WithLabelValues(s).Set(v)
	}
}

func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordDeviceError(source, kind string) {
	DeviceErrors.WithLabelValues(source, kind).Inc()
}
