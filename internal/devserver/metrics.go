package devserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 开发服务器的 Prometheus 指标集合。
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	mailboxesCreated    prometheus.Counter
	mailboxesExpired    prometheus.Counter
	messagesInjected    prometheus.Counter
	wsConnections       prometheus.Gauge
}

// NewMetrics 创建并注册指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tempmail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		mailboxesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_created_total",
			Help: "Total number of mailboxes created",
		}),

		mailboxesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_expired_total",
			Help: "Total number of mailboxes expired and reaped",
		}),

		messagesInjected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_injected_total",
			Help: "Total number of messages injected via the dev endpoint",
		}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_websocket_connections",
			Help: "Current number of WebSocket connections",
		}),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
