package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/sessiontoken"
)

type ctxKey int

const sessionKey ctxKey = iota

// correlationIDMiddleware carries the correlation id, request id and a
// request-scoped logger through the context.
func (s *Server) correlationIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := reqcontext.GetOrGenerateID(r.Header.Get(reqcontext.CorrelationIDHeader))

			ctx := reqcontext.WithCorrelationID(r.Context(), correlationID)
			ctx = reqcontext.WithRequestSource(ctx, reqcontext.SourceRESTAPI)
			if reqID := middleware.GetReqID(ctx); reqID != "" {
				ctx = reqcontext.WithRequestID(ctx, reqID)
			}
			ctx = reqcontext.WithLogger(ctx, s.logger.With(reqcontext.Fields(ctx)...))

			w.Header().Set(reqcontext.CorrelationIDHeader, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) httpLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.httpLogger.Debug("HTTP API Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// requireSession rejects requests without a valid session cookie and stores
// the session in the context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Get(r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, codeNoSession, "no valid session")
			return
		}
		s.manager.Touch(sess.SessionID)

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		ctx = reqcontext.WithSessionID(ctx, sess.SessionID)
		ctx = reqcontext.WithLogger(ctx, reqcontext.Logger(ctx, s.logger).With(zap.String("session_id", sess.SessionID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *sessiontoken.Session {
	sess, _ := ctx.Value(sessionKey).(*sessiontoken.Session)
	return sess
}
