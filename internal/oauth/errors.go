// Package oauth implements the per-session, per-server OAuth authorization
// client that fronts a remote MCP server requiring bearer credentials.
package oauth

import (
	"errors"
	"fmt"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
)

var (
	// ErrAuthorizationRequired indicates the user must visit an authorization URL.
	ErrAuthorizationRequired = errors.New("authorization required")

	// ErrAuthExchangeFailed indicates the authorization code could not be exchanged for tokens.
	ErrAuthExchangeFailed = errors.New("authorization code exchange failed")

	// ErrInvalidState indicates the OAuth state parameter could not be decoded.
	ErrInvalidState = errors.New("invalid OAuth state")

	// ErrSessionMismatch indicates the callback belongs to a different session.
	ErrSessionMismatch = errors.New("OAuth state does not match session")

	// ErrNoPendingAuthorization indicates Complete was called without a preceding Begin.
	ErrNoPendingAuthorization = errors.New("no authorization in progress")

	// ErrConnectionFailed is re-exported so callers need only this package for the taxonomy.
	ErrConnectionFailed = transport.ErrConnectionFailed
)

// AuthorizationRequiredError carries the provider URL the user must visit.
type AuthorizationRequiredError struct {
	ServerURL string
	AuthURL   string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s", e.ServerURL)
}

// Is matches both this package's sentinel and the transport's 401 sentinel so
// callers classifying raw connection errors treat it the same way.
func (e *AuthorizationRequiredError) Is(target error) bool {
	return target == ErrAuthorizationRequired || target == transport.ErrUnauthorized
}
