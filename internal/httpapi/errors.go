package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream"
)

// Error codes returned in ErrorResponse.Code and in callback redirects.
const (
	codeNoSession              = "no_session"
	codeBadRequest             = "bad_request"
	codeToolNotFound           = "tool_not_found"
	codeAuthRequired           = "authorization_required"
	codeAuthExchangeFailed     = "token_exchange_failed"
	codeInvalidState           = "invalid_state"
	codeSessionMismatch        = "session_mismatch"
	codeNoPendingAuthorization = "no_pending_authorization"
	codeConnectionFailed       = "connection_failed"
	codeTimeout                = "timeout"
	codeInternal               = "internal_error"
)

// classify maps the error taxonomy onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return http.StatusNotFound, codeToolNotFound
	case errors.Is(err, oauth.ErrSessionMismatch):
		return http.StatusForbidden, codeSessionMismatch
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, codeInvalidState
	case errors.Is(err, oauth.ErrNoPendingAuthorization):
		return http.StatusConflict, codeNoPendingAuthorization
	case errors.Is(err, oauth.ErrAuthExchangeFailed):
		return http.StatusBadGateway, codeAuthExchangeFailed
	case errors.Is(err, oauth.ErrAuthorizationRequired), transport.IsAuthRequired(err):
		return http.StatusUnauthorized, codeAuthRequired
	case errors.Is(err, upstream.ErrInvalidSession):
		return http.StatusUnauthorized, codeNoSession
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	case errors.Is(err, transport.ErrConnectionFailed):
		return http.StatusBadGateway, codeConnectionFailed
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) writeClassifiedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  code,
	}
	var authErr *oauth.AuthorizationRequiredError
	if errors.As(err, &authErr) {
		resp.AuthURL = authErr.AuthURL
	}
	resp.RequestID = middleware.GetReqID(r.Context())
	s.writeJSON(w, status, resp)
}
