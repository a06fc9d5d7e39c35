// Package observability provides health checks, metrics, and tracing capabilities
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.ComponentName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager manages health and readiness checks
type HealthManager struct {
	logger    *zap.SugaredLogger
	liveness  []Checker
	readiness []Checker
	timeout   time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (hm *HealthManager) AddHealthChecker(c Checker)    { hm.liveness = append(hm.liveness, c) }
func (hm *HealthManager) AddReadinessChecker(c Checker) { hm.readiness = append(hm.readiness, c) }

// HealthzHandler serves /healthz.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return hm.handler(func(ctx context.Context) HealthResponse {
		return hm.run(ctx, hm.liveness, "healthy", "unhealthy")
	}, "healthy")
}

// ReadyzHandler serves /readyz.
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return hm.handler(func(ctx context.Context) HealthResponse {
		return hm.run(ctx, hm.readiness, "ready", "not_ready")
	}, "ready")
}

func (hm *HealthManager) handler(check func(context.Context) HealthResponse, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := check(ctx)
		statusCode := http.StatusOK
		if response.Status != okStatus {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			hm.logger.Errorw("Failed to encode health response", "error", err)
		}
	}
}

func (hm *HealthManager) run(ctx context.Context, checkers []Checker, ok, bad string) HealthResponse {
	response := HealthResponse{
		Status:     ok,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(checkers)),
	}

	for _, checker := range checkers {
		start := time.Now()
		status := HealthStatus{Name: checker.Name(), Status: ok}

		if err := checker.Check(ctx); err != nil {
			status.Status = bad
			status.Error = err.Error()
			response.Status = bad
			hm.logger.Warnw("Health check failed",
				"component", checker.Name(),
				"error", err)
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}
