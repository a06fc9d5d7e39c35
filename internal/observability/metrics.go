package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Connection attempt results
const (
	ResultConnected    = "connected"
	ResultAuthRequired = "auth_required"
	ResultFailed       = "failed"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime         prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	connects       *prometheus.CounterVec
	connectLatency *prometheus.HistogramVec
	reconciles     *prometheus.CounterVec
	reconcileTime  prometheus.Histogram
	authFlows      *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpchat_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpchat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	mm.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpchat_sessions_active",
		Help: "Number of sessions holding at least one stored client",
	})

	mm.connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpchat_upstream_connects_total",
			Help: "Connection attempts to remote MCP servers by result",
		},
		[]string{"server", "result"},
	)

	mm.connectLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpchat_upstream_connect_duration_seconds",
			Help:    "Time taken to connect and list tools",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "result"},
	)

	mm.reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpchat_reconciliations_total",
			Help: "Total number of reconcile calls",
		},
		[]string{"result"},
	)

	mm.reconcileTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mcpchat_reconciliation_duration_seconds",
		Help:    "Time taken to reconcile a session's server set",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	mm.authFlows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpchat_oauth_flows_total",
			Help: "OAuth authorization flow steps by outcome",
		},
		[]string{"step", "result"},
	)

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpchat_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpchat_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.activeSessions,
		mm.connects,
		mm.connectLatency,
		mm.reconciles,
		mm.reconcileTime,
		mm.authFlows,
		mm.toolCalls,
		mm.toolDuration,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

func (mm *MetricsManager) SetActiveSessions(n int) {
	mm.activeSessions.Set(float64(n))
}

func (mm *MetricsManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, route, status).Inc()
	mm.httpDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordConnect records one connection attempt.
func (mm *MetricsManager) RecordConnect(server, result string, duration time.Duration) {
	mm.connects.WithLabelValues(server, result).Inc()
	mm.connectLatency.WithLabelValues(server, result).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordReconcile(result string, duration time.Duration) {
	mm.reconciles.WithLabelValues(result).Inc()
	mm.reconcileTime.Observe(duration.Seconds())
}

// RecordAuthFlow records one step (begin, complete) of an authorization flow.
func (mm *MetricsManager) RecordAuthFlow(step, result string) {
	mm.authFlows.WithLabelValues(step, result).Inc()
}

func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// HTTPMiddleware returns middleware that records HTTP metrics. The route label
// is the chi route pattern so path parameters do not explode cardinality.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			mm.RecordHTTPRequest(r.Method, route, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
