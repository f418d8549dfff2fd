package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evmesh",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Relay events by type, action and outcome.",
		},
		[]string{"node", "type", "action", "outcome"},
	)
	relayDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evmesh",
			Subsystem: "relay",
			Name:      "forwarding_decisions_total",
			Help:      "Forwarding decisions taken for transiting requests.",
		},
		[]string{"node", "action", "decision"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evmesh",
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Outbound request completion time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "action", "outcome"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "evmesh",
			Subsystem: "relay",
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a response.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, relayEvents, relayDecisions, requestDuration, pendingRequests)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRelayEvent(node, eventType, action, outcome string) {
	RegisterMetrics()
	relayEvents.WithLabelValues(node, eventType, action, outcome).Inc()
}

func RecordDecision(node, action, decision string) {
	RegisterMetrics()
	relayDecisions.WithLabelValues(node, action, decision).Inc()
}

func RecordRequest(node, action, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(node, action, outcome).Observe(duration.Seconds())
}

func SetPending(node string, n int) {
	RegisterMetrics()
	pendingRequests.WithLabelValues(node).Set(float64(n))
}
