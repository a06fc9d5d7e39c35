// Package transport dials remote MCP servers over streamable HTTP.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout   = 15 * time.Second
	defaultListToolsTimeout = 15 * time.Second
	defaultCallToolTimeout  = 30 * time.Second
)

// Conn is an initialized session with one remote MCP server.
type Conn interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens Conns. The production implementation is HTTPDialer; tests swap in fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg *HTTPTransportConfig) (Conn, error)
}

// HTTPTransportConfig holds configuration for HTTP transport
type HTTPTransportConfig struct {
	URL         string
	Headers     map[string]string
	OAuthConfig *client.OAuthConfig
	UseOAuth    bool
}

// Timeouts bounds each phase of a connection.
type Timeouts struct {
	Connect   time.Duration
	ListTools time.Duration
	CallTool  time.Duration
}

// HTTPDialer connects with mcp-go's streamable HTTP client.
type HTTPDialer struct {
	logger     *zap.Logger
	timeouts   Timeouts
	httpClient *http.Client
	clientInfo mcp.Implementation
}

// NewHTTPDialer builds a dialer. With trace enabled every HTTP exchange is
// logged at debug level with credentials redacted.
func NewHTTPDialer(logger *zap.Logger, timeouts Timeouts, version string, trace bool) *HTTPDialer {
	if timeouts.Connect <= 0 {
		timeouts.Connect = defaultConnectTimeout
	}
	if timeouts.ListTools <= 0 {
		timeouts.ListTools = defaultListToolsTimeout
	}
	if timeouts.CallTool <= 0 {
		timeouts.CallTool = defaultCallToolTimeout
	}

	logger = logger.Named("transport")
	var rt http.RoundTripper = http.DefaultTransport
	if trace {
		rt = NewLoggingTransport(rt, logger)
	}

	return &HTTPDialer{
		logger:   logger,
		timeouts: timeouts,
		// Streaming responses can outlive any single call timeout; per-call
		// deadlines come from the request context instead.
		httpClient: &http.Client{Transport: rt},
		clientInfo: mcp.Implementation{Name: "mcpchat", Version: version},
	}
}

// CreateHTTPClient creates a new MCP client using HTTP transport
func (d *HTTPDialer) CreateHTTPClient(cfg *HTTPTransportConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	options := []transport.StreamableHTTPCOption{
		transport.WithHTTPBasicClient(d.httpClient),
	}
	if len(cfg.Headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(cfg.Headers))
	}

	if cfg.UseOAuth && cfg.OAuthConfig != nil {
		d.logger.Debug("Creating OAuth-enabled streamable HTTP client",
			zap.String("url", cfg.URL),
			zap.String("redirect_uri", cfg.OAuthConfig.RedirectURI),
			zap.Strings("scopes", cfg.OAuthConfig.Scopes),
			zap.Bool("pkce_enabled", cfg.OAuthConfig.PKCEEnabled))

		c, err := client.NewOAuthStreamableHttpClient(cfg.URL, *cfg.OAuthConfig, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OAuth client: %w", err)
		}
		return c, nil
	}

	httpTransport, err := transport.NewStreamableHTTP(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// Dial creates a client, starts it and runs the MCP initialize handshake.
// Errors are classified: *AuthRequiredError for 401, ErrConnectionFailed otherwise.
func (d *HTTPDialer) Dial(ctx context.Context, cfg *HTTPTransportConfig) (Conn, error) {
	c, err := d.CreateHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, d.timeouts.Connect)
	defer cancel()

	if err := c.Start(connectCtx); err != nil {
		_ = c.Close()
		return nil, classifyError(cfg.URL, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = d.clientInfo
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.Initialize(connectCtx, initRequest)
	if err != nil {
		_ = c.Close()
		classified := classifyError(cfg.URL, err)
		d.logger.Debug("Initialize failed",
			zap.String("url", cfg.URL),
			zap.Bool("auth_required", IsAuthRequired(classified)),
			zap.Error(err))
		return nil, classified
	}

	d.logger.Debug("Connected to MCP server",
		zap.String("url", cfg.URL),
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))

	return &clientConn{
		url:      cfg.URL,
		client:   c,
		timeouts: d.timeouts,
	}, nil
}

// clientConn adapts *client.Client to Conn with per-call deadlines.
type clientConn struct {
	url      string
	client   *client.Client
	timeouts Timeouts
}

// ListTools follows pagination cursors until the server stops returning one.
func (c *clientConn) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.ListTools)
	defer cancel()

	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for {
		res, err := c.client.ListTools(ctx, req)
		if err != nil {
			return nil, classifyError(c.url, err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

func (c *clientConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.CallTool)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, classifyError(c.url, err)
	}
	return res, nil
}

func (c *clientConn) Close() error {
	return c.client.Close()
}
