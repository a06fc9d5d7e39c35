package upstream

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
)

const (
	authStepBegin    = "begin"
	authStepComplete = "complete"
)

func (m *Manager) newAuthClient(sessionID, serverURL, callbackURL string) *oauth.AuthorizationClient {
	return oauth.NewAuthorizationClient(oauth.Options{
		SessionID:       sessionID,
		ServerURL:       serverURL,
		CallbackURL:     callbackURL,
		ClientName:      m.oauthCfg.ClientName,
		ClientID:        m.oauthCfg.ClientID,
		ClientSecret:    m.oauthCfg.ClientSecret,
		Scopes:          m.oauthCfg.Scopes,
		ExchangeTimeout: m.exchangeTimeout,
		Dialer:          m.dialer,
		Logger:          m.logger,
	})
}

// BeginAuthorization starts an OAuth flow for desc in the session and stores
// the client. It returns the provider URL the user must visit, or "" when the
// server is reachable without one, including when a stored credential still
// works.
func (m *Manager) BeginAuthorization(ctx context.Context, sessionID string, desc ServerDescriptor, callbackURL string) (authURL string, err error) {
	if sessionID == "" {
		return "", ErrInvalidSession
	}
	logger := reqcontext.Logger(ctx, m.logger).With(
		zap.String("session_id", sessionID),
		zap.String("server_url", desc.URL))

	ctx, span := m.obs.StartSpan(ctx, "oauth.begin", attribute.String("mcp.url", desc.URL))
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		}
		m.obs.RecordAuthFlow(authStepBegin, err)
		span.End()
	}()

	if stored, ok := m.sessions.GetClientForServer(sessionID, desc.URL); ok && stored.Tokens != nil {
		if c, ok := stored.Client.(*oauth.AuthorizationClient); ok {
			_, verr := c.ListTools(ctx)
			if verr == nil {
				m.sessions.SetClient(sessionID, c, desc.URL, callbackURL)
				logger.Info("Stored credential still valid")
				return "", nil
			}
			logger.Info("Stored credential no longer valid, restarting authorization", zap.Error(verr))
		}
	}

	c := m.newAuthClient(sessionID, desc.URL, callbackURL)
	authURL, err = c.BeginAuthorization(ctx)
	if err != nil {
		_ = c.Close()
		logger.Warn("Authorization could not start", zap.Error(err))
		return "", err
	}
	m.sessions.SetClient(sessionID, c, desc.URL, callbackURL)
	if authURL == "" {
		logger.Info("Server reachable without authorization")
	}
	return authURL, nil
}

// CompleteAuthorization finishes the flow identified by state. The state must
// decode, belong to sessionID and match the stored client's pending flow;
// otherwise no token exchange is attempted. On success the client is stored
// again with its new credential and any connection to that URL is dropped so
// the next Reconcile picks the credential up. It returns the server URL.
func (m *Manager) CompleteAuthorization(ctx context.Context, sessionID, state, code string) (serverURL string, err error) {
	ctx, span := m.obs.StartSpan(ctx, "oauth.complete")
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		}
		m.obs.RecordAuthFlow(authStepComplete, err)
		span.End()
	}()

	decoded, err := oauth.DecodeState(state)
	if err != nil {
		return "", err
	}
	if sessionID == "" || decoded.SessionID != sessionID {
		return "", oauth.ErrSessionMismatch
	}
	logger := reqcontext.Logger(ctx, m.logger).With(
		zap.String("session_id", sessionID),
		zap.String("server_url", decoded.ServerURL))

	stored, ok := m.sessions.GetClientForServer(sessionID, decoded.ServerURL)
	if !ok {
		return "", fmt.Errorf("%w for %s", oauth.ErrNoPendingAuthorization, decoded.ServerURL)
	}
	c, ok := stored.Client.(*oauth.AuthorizationClient)
	if !ok {
		return "", fmt.Errorf("%w for %s", oauth.ErrNoPendingAuthorization, decoded.ServerURL)
	}
	if pending := c.PendingState(); pending == "" {
		return "", fmt.Errorf("%w for %s", oauth.ErrNoPendingAuthorization, decoded.ServerURL)
	} else if pending != state {
		return "", fmt.Errorf("%w: does not match the pending authorization", oauth.ErrInvalidState)
	}

	if err := c.CompleteAuthorization(ctx, code); err != nil {
		logger.Warn("Authorization failed", zap.Error(err))
		return "", err
	}
	m.sessions.SetClient(sessionID, c, decoded.ServerURL, stored.CallbackURL)
	m.dropConnectionsTo(ctx, sessionID, decoded.ServerURL)
	logger.Info("Authorization completed")
	return decoded.ServerURL, nil
}

// dropConnectionsTo disconnects every entry of the session pointing at url.
func (m *Manager) dropConnectionsTo(ctx context.Context, sessionID, url string) {
	m.mu.RLock()
	var names []string
	for name, e := range m.conns[sessionID] {
		if e.desc.URL == url {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(ctx, sessionID, name)
	}
}
