package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/msgconn/internal/conn"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "msgconn",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "conn",
			Name:      "ingested_bytes_total",
			Help:      "Payload bytes accepted into ingress slots.",
		},
		[]string{"node"},
	)
	connRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "conn",
			Name:      "rejected_total",
			Help:      "Inbound datagrams rejected, by reason.",
		},
		[]string{"node", "reason"},
	)
	connBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "conn",
			Name:      "bytes_total",
			Help:      "Bytes moved through connections, by direction.",
		},
		[]string{"node", "direction"},
	)
	connReadTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "conn",
			Name:      "read_timeouts_total",
			Help:      "Reads that timed out with no data.",
		},
		[]string{"node"},
	)
	connWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgconn",
			Subsystem: "conn",
			Name:      "write_failures_total",
			Help:      "Writes refused or failed at the transport.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connIngested, connRejected, connBytes, connReadTimeouts, connWriteFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// ConnRecorder feeds conn.Recorder events into the Prometheus collectors.
type ConnRecorder struct {
	node string
}

var _ conn.Recorder = ConnRecorder{}

func NewConnRecorder(node string) ConnRecorder {
	RegisterMetrics()
	return ConnRecorder{node: node}
}

func (r ConnRecorder) Ingested(bytes int) {
	connIngested.WithLabelValues(r.node).Add(float64(bytes))
}

func (r ConnRecorder) Rejected(reason string) {
	connRejected.WithLabelValues(r.node, reason).Inc()
}

func (r ConnRecorder) BytesRead(n int) {
	connBytes.WithLabelValues(r.node, "read").Add(float64(n))
}

func (r ConnRecorder) BytesWritten(n int) {
	connBytes.WithLabelValues(r.node, "written").Add(float64(n))
}

func (r ConnRecorder) ReadTimeout() {
	connReadTimeouts.WithLabelValues(r.node).Inc()
}

func (r ConnRecorder) WriteFailed() {
	connWriteFailures.WithLabelValues(r.node).Inc()
}
