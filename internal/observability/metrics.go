package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	relayBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcrelay",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Bytes moved through the virtual channel relay.",
		},
		[]string{"channel", "direction"},
	)
	bridgeChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcrelay",
			Subsystem: "bridge",
			Name:      "chunks_total",
			Help:      "Payload chunks pumped between the relay and the bus.",
		},
		[]string{"channel", "direction"},
	)
	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcrelay",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control channel requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status endpoint requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vcrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status endpoint request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(relayBytes, bridgeChunks, controlRequests, httpRequests, httpDuration)
	})
}

func RecordRelayBytes(channel, direction string, n int) {
	RegisterMetrics()
	relayBytes.WithLabelValues(channel, direction).Add(float64(n))
}

func RecordBridgeChunk(channel, direction string) {
	RegisterMetrics()
	bridgeChunks.WithLabelValues(channel, direction).Inc()
}

func RecordControlRequest(operation, outcome string) {
	RegisterMetrics()
	controlRequests.WithLabelValues(operation, outcome).Inc()
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}
