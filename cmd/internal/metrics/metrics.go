// Package metrics owns chatd's Prometheus collectors.
//
// All recording methods are nil-safe so packages can be exercised in tests without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatd"

// Append sources.
const (
	SourceLive = "live"
	SourceSync = "sync"
)

// Push results.
const (
	PushDelivered = "delivered"
	PushOffline   = "offline"
	PushDropped   = "dropped"
)

// Metrics groups every collector chatd exports.
type Metrics struct {
	reg *prometheus.Registry

	messagesAppended   *prometheus.CounterVec
	messagesDeduped    prometheus.Counter
	pushes             *prometheus.CounterVec
	receiptTransitions *prometheus.CounterVec
	storageRetries     *prometheus.CounterVec
	deliveryQueue      prometheus.Gauge
	wsConnections      prometheus.Gauge
	typingSwept        prometheus.Counter
	httpDuration       *prometheus.HistogramVec
}

// New registers all collectors on a private registry together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended, by write path.",
		}, []string{"source"}),
		messagesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deduplicated_total",
			Help:      "Appends answered from an existing client_message_id.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_pushes_total",
			Help:      "Realtime push attempts per recipient, by result.",
		}, []string{"result"}),
		receiptTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_transitions_total",
			Help:      "Receipt status transitions applied, by target status.",
		}, []string{"status"}),
		storageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Store operations retried after a transient failure, by outcome.",
		}, []string{"outcome"}),
		deliveryQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Events waiting for fan-out.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open realtime connections.",
		}),
		typingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_swept_total",
			Help:      "Expired typing/presence entries removed by the sweeper.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.messagesAppended,
		m.messagesDeduped,
		m.pushes,
		m.receiptTransitions,
		m.storageRetries,
		m.deliveryQueue,
		m.wsConnections,
		m.typingSwept,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MessageAppended(source string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageDeduplicated() {
	if m == nil {
		return
	}
	m.messagesDeduped.Inc()
}

func (m *Metrics) Push(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) ReceiptTransitions(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.receiptTransitions.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) StorageRetry(recovered bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	m.storageRetries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeliveryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.deliveryQueue.Set(float64(n))
}

func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) PresenceSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.typingSwept.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
