package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
)

var (
	// ErrConnectionFailed covers network errors, protocol errors and non-auth HTTP failures.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrUnauthorized is matched by every AuthRequiredError.
	ErrUnauthorized = errors.New("server requires authorization")
)

// AuthHandler is the subset of the mcp-go OAuth handler the authorization flow drives.
type AuthHandler interface {
	RegisterClient(ctx context.Context, clientName string) error
	GetAuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error)
	ProcessAuthorizationResponse(ctx context.Context, code, state, codeVerifier string) error
}

// AuthRequiredError reports that the remote server answered with HTTP 401 or the
// OAuth transport had no usable credential. Handler is set only when the
// connection was dialed with OAuth enabled.
type AuthRequiredError struct {
	URL     string
	Handler AuthHandler
	Err     error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s: %v", e.URL, e.Err)
}

func (e *AuthRequiredError) Unwrap() error { return e.Err }

func (e *AuthRequiredError) Is(target error) bool { return target == ErrUnauthorized }

// IsAuthRequired reports whether err is an authorization failure.
func IsAuthRequired(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// unauthorizedIndicators are lowercase substrings mcp-go places in 401 errors
// when the response body is not JSON-RPC. A bare "401" is not enough since it
// also shows up in ports.
var unauthorizedIndicators = []string{
	"status 401",
	"(401)",
	"401 unauthorized",
	"unauthorized",
	"no valid token available",
	"authorization required",
}

func classifyError(url string, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return err
	}

	if client.IsOAuthAuthorizationRequiredError(err) {
		authErr = &AuthRequiredError{URL: url, Err: err}
		if h := client.GetOAuthHandler(err); h != nil {
			authErr.Handler = h
		}
		return authErr
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range unauthorizedIndicators {
		if strings.Contains(msg, indicator) {
			return &AuthRequiredError{URL: url, Err: err}
		}
	}

	if errors.Is(err, ErrConnectionFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, url, err)
}
