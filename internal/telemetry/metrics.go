package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// Connections tracks registry entries by state (pending, active).
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "syncshell",
			Name:      "connections",
			Help:      "Peer connections currently held by the registry.",
		},
		[]string{"state"},
	)

	PendingTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "pending_timeouts_total",
			Help:      "Pending handshakes disposed by the timeout sweep.",
		},
	)

	Sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "sweeps_total",
			Help:      "Timeout sweeps executed.",
		},
	)

	ControlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "control_messages_total",
			Help:      "Inbound control-plane messages by type and outcome.",
		},
		[]string{"type", "result"},
	)

	InboxDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "inbox_dropped_total",
			Help:      "Inbound messages dropped because a connection inbox was full.",
		},
	)

	Invites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "invites_total",
			Help:      "Invite codes issued by join strategy.",
		},
		[]string{"strategy"},
	)

	// RelayRequests and RelayDuration instrument the drop-box relay server.
	RelayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncshell",
			Name:      "relay_requests_total",
			Help:      "Relay HTTP requests by operation and status class.",
		},
		[]string{"op", "status"},
	)

	RelayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncshell",
			Name:      "relay_request_duration_seconds",
			Help:      "Latency of relay HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "syncshell",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Connections, PendingTimeouts, Sweeps, ControlMessages,
		InboxDropped, Invites, RelayRequests, RelayDuration, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a relay handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RelayRequests.WithLabelValues(op, class).Inc()
		RelayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
