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
			Namespace: "ecrlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecrlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecrlink",
			Subsystem: "terminal",
			Name:      "transactions_total",
			Help:      "Terminal transactions by type and outcome.",
		},
		[]string{"terminal", "type", "outcome"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ecrlink",
			Subsystem: "terminal",
			Name:      "transaction_duration_seconds",
			Help:      "Time from submission to outcome in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"terminal", "type", "outcome"},
	)
	connectivityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecrlink",
			Subsystem: "terminal",
			Name:      "connectivity_events_total",
			Help:      "Connectivity events reported by the transport adapter.",
		},
		[]string{"terminal", "kind"},
	)
	relayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ecrlink",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Events dropped because no subscriber was attached.",
		},
		[]string{"terminal", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transactions,
			transactionDuration,
			connectivityEvents,
			relayDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransaction(terminal, txnType, outcome string, duration time.Duration) {
	RegisterMetrics()
	transactions.WithLabelValues(terminal, txnType, outcome).Inc()
	transactionDuration.WithLabelValues(terminal, txnType, outcome).Observe(duration.Seconds())
}

func RecordConnectivity(terminal, kind string) {
	RegisterMetrics()
	connectivityEvents.WithLabelValues(terminal, kind).Inc()
}

func RecordRelayDrop(terminal, kind string) {
	RegisterMetrics()
	relayDropped.WithLabelValues(terminal, kind).Inc()
}
