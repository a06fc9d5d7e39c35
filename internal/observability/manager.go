package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
)

// Tool call status constants
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Manager coordinates all observability features. A nil *Manager is valid and
// records nothing, which keeps call sites in tests free of setup.
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager
func NewManager(logger *zap.Logger, cfg *config.Config, version string) (*Manager, error) {
	sugar := logger.Named("observability").Sugar()
	m := &Manager{
		logger:    sugar,
		health:    NewHealthManager(sugar),
		startTime: time.Now(),
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		m.metrics = NewMetricsManager(sugar)
		sugar.Info("Prometheus metrics enabled")
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		tm, err := NewTracingManager(sugar, TracingConfig{
			Enabled:        true,
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		m.tracing = tm
	}

	return m, nil
}

func (m *Manager) Health() *HealthManager {
	if m == nil {
		return nil
	}
	return m.health
}

func (m *Manager) Metrics() *MetricsManager {
	if m == nil {
		return nil
	}
	return m.metrics
}

// RegisterRoutes mounts /healthz, /readyz and /metrics.
func (m *Manager) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", m.health.HealthzHandler())
	r.Get("/readyz", m.health.ReadyzHandler())
	if m.metrics != nil {
		r.Handle("/metrics", m.metrics.Handler())
	}
}

// HTTPMiddleware returns combined HTTP middleware for observability
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	var middlewares []func(http.Handler) http.Handler
	if m != nil && m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m != nil && m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// StartSpan starts a span when tracing is enabled.
func (m *Manager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if m == nil || m.tracing == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return m.tracing.StartSpan(ctx, name, attrs...)
}

func (m *Manager) RecordConnect(server, result string, duration time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordConnect(server, result, duration)
}

func (m *Manager) RecordReconcile(err error, duration time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordReconcile(status(err), duration)
}

func (m *Manager) RecordAuthFlow(step string, err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordAuthFlow(step, status(err))
}

// RecordToolCall is a convenience method to record tool call metrics
func (m *Manager) RecordToolCall(serverName, toolName string, duration time.Duration, err error) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.RecordToolCall(serverName, toolName, status(err), duration)
}

func (m *Manager) SetActiveSessions(n int) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.SetActiveSessions(n)
}

// UpdateMetrics refreshes gauges that are derived from wall-clock time.
func (m *Manager) UpdateMetrics() {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.SetUptime(m.startTime)
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.tracing == nil {
		return nil
	}
	if err := m.tracing.Close(ctx); err != nil {
		m.logger.Errorw("Failed to close tracing manager", "error", err)
		return err
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
