// Package reqcontext carries per-request metadata through context.Context.
package reqcontext

import (
	"context"
	"regexp"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	RequestSourceKey ContextKey = "request_source"
	SessionIDKey     ContextKey = "session_id"
	LoggerKey        ContextKey = "logger"
)

const (
	// RequestIDHeader is the HTTP header name for request IDs
	RequestIDHeader = "X-Request-Id"

	// CorrelationIDHeader is echoed back on every API response.
	CorrelationIDHeader = "X-Correlation-ID"
)

// RequestSource indicates where the request originated
type RequestSource string

const (
	SourceRESTAPI  RequestSource = "REST_API"
	SourceCLI      RequestSource = "CLI"
	SourceInternal RequestSource = "INTERNAL"
	SourceUnknown  RequestSource = "UNKNOWN"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,256}$`)

// IsValidID reports whether a caller-supplied request or correlation id is safe to echo.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// GenerateCorrelationID returns a new lexically sortable id.
func GenerateCorrelationID() string {
	return ulid.Make().String()
}

// GetOrGenerateID returns provided when it is valid, a fresh id otherwise.
func GetOrGenerateID(provided string) string {
	if IsValidID(provided) {
		return provided
	}
	return GenerateCorrelationID()
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// WithSessionID tags the context with the browser session the work belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

func WithRequestSource(ctx context.Context, source RequestSource) context.Context {
	return context.WithValue(ctx, RequestSourceKey, source)
}

func GetRequestSource(ctx context.Context) RequestSource {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(RequestSourceKey).(RequestSource); ok {
		return source
	}
	return SourceUnknown
}

// WithMetadata adds both correlation ID and request source to context
func WithMetadata(ctx context.Context, source RequestSource) context.Context {
	ctx = WithCorrelationID(ctx, GenerateCorrelationID())
	return WithRequestSource(ctx, source)
}

// WithLogger stores a request-scoped logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// Logger returns the request-scoped logger, or fallback decorated with whatever
// ids the context carries.
func Logger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(LoggerKey).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return fallback.With(Fields(ctx)...)
}

// Fields returns zap fields for the ids present in ctx.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if id := GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := GetSessionID(ctx); id != "" {
		fields = append(fields, zap.String("session_id", id))
	}
	return fields
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
