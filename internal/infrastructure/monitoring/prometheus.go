package monitoring

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

const namespace = "messaging"

// Metrics Prometheus 指标集合，同时作为协调器的队列观察者
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ActiveLanes       prometheus.Gauge
	LaneTransitions   *prometheus.CounterVec
	QueueDepth        prometheus.Histogram

	EventsPublished  *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	WebSocketClients prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimited         prometheus.Counter
	RetentionSweeps     *prometheus.CounterVec
}

var _ service.LaneObserver = (*Metrics)(nil)

// NewMetrics 在独立 registry 上注册全部指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Serialized conversation operations by kind and result code",
		}, []string{"kind", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent executing a serialized operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ActiveLanes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lanes",
			Help:      "Conversations with an operation in flight",
		}),
		LaneTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_transitions_total",
			Help:      "Conversation lane state transitions",
		}, []string{"from", "to"}),
		QueueDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending operations observed when a task is enqueued",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Delivery events published on the bus",
		}, []string{"type"}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Event frames written to websocket clients",
		}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter",
		}),
		RetentionSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_sweeps_total",
			Help:      "Abandoned-conversation sweeps by result",
		}, []string{"status"}),
	}
}

// Registry 返回指标 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OnLaneState 实现 LaneObserver
func (m *Metrics) OnLaneState(conversationID string, from, to service.LaneState) {
	m.LaneTransitions.WithLabelValues(string(from), string(to)).Inc()
	switch {
	case to == service.LaneProcessing:
		m.ActiveLanes.Inc()
	case from == service.LaneProcessing:
		m.ActiveLanes.Dec()
	}
}

// OnQueueDepth 实现 LaneObserver
func (m *Metrics) OnQueueDepth(conversationID string, depth int) {
	m.QueueDepth.Observe(float64(depth))
}

// OnOperation 实现 LaneObserver
func (m *Metrics) OnOperation(kind string, elapsed time.Duration, err error) {
	m.OperationsTotal.WithLabelValues(kind, StatusOf(err)).Inc()
	m.OperationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// StatusOf 把错误映射为低基数的指标标签
func StatusOf(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}
