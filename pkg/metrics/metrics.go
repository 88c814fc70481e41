package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the sidecar
	Registry = prometheus.NewRegistry()

	// WebhookDeliveries counts delivery attempts by event type and outcome
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks delivery round trips in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
		[]string{"event_type", "status"},
	)
	// BatchFlushes counts flush cycles of the batching queue
	BatchFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_batch_flushes_total", Help: "Batch flush cycles."},
	)
	// BatchSize records how many mutation events each flush drained
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "webhook_batch_size", Help: "Mutation events per flush.", Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}},
	)
	// QueueDepth is the number of mutation events waiting for the next flush
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "webhook_queue_depth", Help: "Mutation events waiting for the next flush."},
	)
	// MutationsReceived counts committed mutations by source and operation
	MutationsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_mutations_received_total", Help: "Committed mutations received by source and operation."},
		[]string{"source", "operation"},
	)
	// RetryClaims counts rows claimed by the retry sweeper
	RetryClaims = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_retry_claims_total", Help: "Webhook events claimed for redelivery."},
	)
)

var regOnce sync.Once

// RegisterDefault registers collectors to Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(BatchFlushes)
		Registry.MustRegister(BatchSize)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(MutationsReceived)
		Registry.MustRegister(RetryClaims)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// StatusLabel buckets an HTTP status for the status label; 0 means a network error.
func StatusLabel(status int) string {
	switch {
	case status == 0:
		return "network_error"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
