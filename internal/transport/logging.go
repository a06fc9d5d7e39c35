package transport

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/logs"
)

// LoggingTransport wraps http.RoundTripper to log HTTP exchanges with
// credentials redacted. Bodies are not logged; SSE streams are only noted.
type LoggingTransport struct {
	base   http.RoundTripper
	logger *zap.Logger
}

// NewLoggingTransport creates a new logging HTTP transport
func NewLoggingTransport(base http.RoundTripper, logger *zap.Logger) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &LoggingTransport{
		base:   base,
		logger: logger.Named("http-trace"),
	}
}

// RoundTrip implements http.RoundTripper
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	t.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("url", logs.RedactURL(req.URL.String())),
		zap.Any("headers", logs.RedactHeaders(req.Header)))

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		t.logger.Debug("HTTP request failed",
			zap.String("url", logs.RedactURL(req.URL.String())),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	t.logger.Debug("HTTP response",
		zap.Int("status", resp.StatusCode),
		zap.Bool("sse", strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")),
		zap.Any("headers", logs.RedactHeaders(resp.Header)),
		zap.Duration("duration", duration))

	return resp, nil
}
