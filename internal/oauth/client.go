package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
)

const defaultExchangeTimeout = 15 * time.Second

// Options configures an AuthorizationClient.
type Options struct {
	SessionID   string
	ServerURL   string
	CallbackURL string

	// ClientName is sent during dynamic client registration.
	ClientName string
	// ClientID skips dynamic registration when set.
	ClientID     string
	ClientSecret string
	Scopes       []string

	// ExchangeTimeout bounds registration, URL construction and token exchange.
	ExchangeTimeout time.Duration

	Dialer transport.Dialer
	Logger *zap.Logger
}

// AuthorizationClient fronts one remote server for one session and drives the
// OAuth authorization-code flow with PKCE against it.
//
// State transitions:
//
//	uninitialized -> connecting -> connected | awaiting_authorization | failed
//	awaiting_authorization -> connecting -> connected | failed
//
// Operations are serialized; accessors never block on network calls.
type AuthorizationClient struct {
	opts   Options
	logger *zap.Logger
	store  *MemoryTokenStore

	opMu sync.Mutex

	mu           sync.RWMutex
	state        FlowState
	handler      transport.AuthHandler
	verifier     string
	pendingState string
	clientInfo   *ClientInfo
	conn         *leasedConn
	flow         *flowContext
}

// leasedConn counts the calls running on a connection. A replaced connection
// is closed by whichever of swapConn or the last release sees it idle.
type leasedConn struct {
	transport.Conn
	users   int
	retired bool
}

// NewAuthorizationClient creates a client in the uninitialized state.
func NewAuthorizationClient(opts Options) *AuthorizationClient {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcpchat"
	}

	logger := opts.Logger.Named("oauth").With(zap.String("server_url", opts.ServerURL))
	c := &AuthorizationClient{
		opts:   opts,
		logger: logger,
		store:  NewMemoryTokenStore(opts.SessionID, opts.ServerURL, logger),
	}
	if opts.ClientID != "" {
		c.clientInfo = &ClientInfo{ClientID: opts.ClientID, ClientSecret: opts.ClientSecret}
	}
	return c
}

func (c *AuthorizationClient) SessionID() string { return c.opts.SessionID }
func (c *AuthorizationClient) ServerURL() string { return c.opts.ServerURL }

// CallbackURL is the redirect URI registered with the provider.
func (c *AuthorizationClient) CallbackURL() string { return c.opts.CallbackURL }

func (c *AuthorizationClient) State() FlowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PendingState returns the encoded OAuth state of the flow awaiting a callback.
func (c *AuthorizationClient) PendingState() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingState
}

// GetTokens returns the stored credential, or nil.
func (c *AuthorizationClient) GetTokens() *Tokens {
	return c.store.Snapshot()
}

// GetClientInfo returns the registered or configured client identity, or nil.
func (c *AuthorizationClient) GetClientInfo() *ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clientInfo == nil {
		return nil
	}
	cp := *c.clientInfo
	return &cp
}

// BeginAuthorization connects, or prepares an authorization URL when the
// server demands credentials. An empty URL with a nil error means the client
// is already connected.
func (c *AuthorizationClient) BeginAuthorization(ctx context.Context) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.begin(ctx)
}

func (c *AuthorizationClient) begin(ctx context.Context) (string, error) {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err == nil {
		c.swapConn(conn, false)
		c.setState(StateConnected)
		return "", nil
	}

	var authErr *transport.AuthRequiredError
	if !errors.As(err, &authErr) || authErr.Handler == nil {
		c.setState(StateFailed)
		return "", err
	}

	flow := newFlowContext()
	logger := c.logger.With(zap.String("correlation_id", flow.CorrelationID))
	logger.Info("Authorization required, preparing authorization URL")

	opCtx, cancel := context.WithTimeout(ctx, c.opts.ExchangeTimeout)
	defer cancel()

	handler := authErr.Handler
	if c.GetClientInfo() == nil {
		if err := handler.RegisterClient(opCtx, c.opts.ClientName); err != nil {
			c.setState(StateFailed)
			return "", fmt.Errorf("dynamic client registration failed: %w", err)
		}
		logger.Debug("Dynamic client registration completed")
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		c.setState(StateFailed)
		return "", fmt.Errorf("PKCE code verifier generation failed: %w", err)
	}
	challenge := client.GenerateCodeChallenge(verifier)

	state, err := EncodeState(State{SessionID: c.opts.SessionID, ServerURL: c.opts.ServerURL})
	if err != nil {
		c.setState(StateFailed)
		return "", err
	}

	authURL, err := handler.GetAuthorizationURL(opCtx, state, challenge)
	if err != nil {
		c.setState(StateFailed)
		return "", fmt.Errorf("authorization URL generation failed: %w", err)
	}

	c.mu.Lock()
	c.handler = handler
	c.verifier = verifier
	c.pendingState = state
	c.flow = flow
	c.state = StateAwaitingAuthorization
	c.mu.Unlock()
	c.captureClientInfo(handler)

	logger.Info("Awaiting authorization callback", zap.String("auth_url", logs.RedactURL(authURL)))
	return authURL, nil
}

// CompleteAuthorization exchanges code for tokens and connects. A failed
// exchange leaves the client failed; it is not retried.
func (c *AuthorizationClient) CompleteAuthorization(ctx context.Context, code string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateAwaitingAuthorization || c.handler == nil {
		c.mu.Unlock()
		return ErrNoPendingAuthorization
	}
	handler, verifier, state, flow := c.handler, c.verifier, c.pendingState, c.flow
	c.handler, c.verifier, c.pendingState = nil, "", ""
	c.state = StateConnecting
	c.mu.Unlock()

	logger := c.logger
	if flow != nil {
		logger = logger.With(zap.String("correlation_id", flow.CorrelationID))
	}

	exCtx, cancel := context.WithTimeout(ctx, c.opts.ExchangeTimeout)
	err := handler.ProcessAuthorizationResponse(exCtx, code, state, verifier)
	cancel()
	if err != nil {
		c.setState(StateFailed)
		logger.Warn("Authorization code exchange failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrAuthExchangeFailed, err)
	}
	c.captureClientInfo(handler)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		logger.Warn("Connection after token exchange failed", zap.Error(err))
		return err
	}
	c.swapConn(conn, false)
	c.setState(StateConnected)

	fields := []zap.Field{zap.Bool("has_refresh_token", false)}
	if t := c.GetTokens(); t != nil {
		fields = []zap.Field{zap.Bool("has_refresh_token", t.RefreshToken != ""), zap.Time("expires_at", t.ExpiresAt)}
	}
	if flow != nil {
		fields = append(fields, zap.Duration("duration", time.Since(flow.StartTime)))
	}
	logger.Info("Authorization completed", fields...)
	return nil
}

// ListTools lists tools after ensureConnected.
func (c *AuthorizationClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	lease, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(lease)
	return lease.ListTools(ctx)
}

// CallTool invokes a tool after ensureConnected.
func (c *AuthorizationClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	lease, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(lease)
	return lease.CallTool(ctx, name, args)
}

// ensureConnected re-dials whenever a credential exists, since a stored
// "connected" flag says nothing about server-side token validity. Without a
// credential it starts authorization and reports the URL. The returned
// connection is leased and must be handed back through release.
func (c *AuthorizationClient) ensureConnected(ctx context.Context) (*leasedConn, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.GetTokens() != nil {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateFailed)
			if transport.IsAuthRequired(err) {
				return nil, fmt.Errorf("%w: stored credential rejected: %w", ErrAuthorizationRequired, err)
			}
			return nil, err
		}
		lease := c.swapConn(conn, true)
		c.setState(StateConnected)
		return lease, nil
	}

	authURL, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	if authURL == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			return nil, fmt.Errorf("%w: connection closed", ErrConnectionFailed)
		}
		c.conn.users++
		return c.conn, nil
	}
	return nil, &AuthorizationRequiredError{ServerURL: c.opts.ServerURL, AuthURL: authURL}
}

// Close releases the live connection, if any. A connection still serving
// calls is closed when the last of them returns.
func (c *AuthorizationClient) Close() error {
	c.mu.Lock()
	lease := c.conn
	c.conn = nil
	idle := lease != nil && c.retireLocked(lease)
	c.mu.Unlock()
	if !idle {
		return nil
	}
	return lease.Close()
}

func (c *AuthorizationClient) dial(ctx context.Context) (transport.Conn, error) {
	info := c.GetClientInfo()
	cfg := &client.OAuthConfig{
		RedirectURI: c.opts.CallbackURL,
		Scopes:      c.opts.Scopes,
		TokenStore:  c.store,
		PKCEEnabled: true,
	}
	if info != nil {
		cfg.ClientID = info.ClientID
		cfg.ClientSecret = info.ClientSecret
	}
	return c.opts.Dialer.Dial(ctx, &transport.HTTPTransportConfig{
		URL:         c.opts.ServerURL,
		UseOAuth:    true,
		OAuthConfig: cfg,
	})
}

// swapConn installs conn, leased once to the caller when leased is set. The
// previous connection keeps serving its in-flight calls and is closed when
// they finish.
func (c *AuthorizationClient) swapConn(conn transport.Conn, leased bool) *leasedConn {
	lease := &leasedConn{Conn: conn}
	if leased {
		lease.users = 1
	}
	c.mu.Lock()
	old := c.conn
	c.conn = lease
	idle := old != nil && c.retireLocked(old)
	c.mu.Unlock()
	if idle {
		c.closeRetired(old)
	}
	return lease
}

// retireLocked marks lease for closing and reports whether it is idle now.
func (c *AuthorizationClient) retireLocked(lease *leasedConn) bool {
	lease.retired = true
	return lease.users == 0
}

func (c *AuthorizationClient) release(lease *leasedConn) {
	c.mu.Lock()
	lease.users--
	idle := lease.retired && lease.users == 0
	c.mu.Unlock()
	if idle {
		c.closeRetired(lease)
	}
}

func (c *AuthorizationClient) closeRetired(lease *leasedConn) {
	if err := lease.Close(); err != nil {
		c.logger.Debug("Closing replaced connection failed", zap.Error(err))
	}
}

func (c *AuthorizationClient) setState(s FlowState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("Authorization client state changed",
			zap.String("from", prev.String()),
			zap.String("to", s.String()))
	}
}

// captureClientInfo records the identity the handler registered, when it exposes one.
func (c *AuthorizationClient) captureClientInfo(handler transport.AuthHandler) {
	idGetter, ok := handler.(interface{ GetClientID() string })
	if !ok {
		return
	}
	id := idGetter.GetClientID()
	if id == "" {
		return
	}
	info := &ClientInfo{ClientID: id}
	if secretGetter, ok := handler.(interface{ GetClientSecret() string }); ok {
		info.ClientSecret = secretGetter.GetClientSecret()
	}
	c.mu.Lock()
	c.clientInfo = info
	c.mu.Unlock()
}
