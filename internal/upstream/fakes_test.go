package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/session"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
)

const (
	grantedToken = "granted-token"
	goodCode     = "code123"
)

type fakeServer struct {
	tools     []string
	protected bool
	down      bool
	delay     time.Duration
	closeErr  error
}

// fakeDialer simulates a set of remote servers keyed by URL and records every
// dial and close in order.
type fakeDialer struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
	events  []string
	dials   map[string]int
	closes  map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		servers: make(map[string]*fakeServer),
		dials:   make(map[string]int),
		closes:  make(map[string]int),
	}
}

func (d *fakeDialer) add(u string, srv *fakeServer) {
	d.mu.Lock()
	d.servers[u] = srv
	d.mu.Unlock()
}

func (d *fakeDialer) record(event string) {
	d.events = append(d.events, event)
}

func (d *fakeDialer) Dial(ctx context.Context, cfg *transport.HTTPTransportConfig) (transport.Conn, error) {
	d.mu.Lock()
	d.dials[cfg.URL]++
	d.record("dial:" + cfg.URL)
	srv := d.servers[cfg.URL]
	d.mu.Unlock()

	if srv == nil {
		return nil, fmt.Errorf("%w: %s: no such host", transport.ErrConnectionFailed, cfg.URL)
	}
	if srv.delay > 0 {
		select {
		case <-time.After(srv.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if srv.down {
		return nil, fmt.Errorf("%w: %s: connection refused", transport.ErrConnectionFailed, cfg.URL)
	}
	if srv.protected {
		if !cfg.UseOAuth || cfg.OAuthConfig == nil {
			return nil, &transport.AuthRequiredError{URL: cfg.URL, Err: errors.New("401 unauthorized")}
		}
		store := cfg.OAuthConfig.TokenStore
		tok, err := store.GetToken(ctx)
		if err != nil || tok.AccessToken != grantedToken {
			return nil, &transport.AuthRequiredError{
				URL:     cfg.URL,
				Handler: &fakeHandler{store: store},
				Err:     errors.New("no valid token available"),
			}
		}
	}
	return &fakeConn{url: cfg.URL, srv: srv, dialer: d}, nil
}

func (d *fakeDialer) dialCount(u string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[u]
}

func (d *fakeDialer) totals() (dials, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.dials {
		dials += n
	}
	for _, n := range d.closes {
		closes += n
	}
	return dials, closes
}

func (d *fakeDialer) eventLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

type fakeConn struct {
	url    string
	srv    *fakeServer
	dialer *fakeDialer
}

func (c *fakeConn) ListTools(context.Context) ([]mcp.Tool, error) {
	out := make([]mcp.Tool, 0, len(c.srv.tools))
	for _, name := range c.srv.tools {
		out = append(out, mcp.NewTool(name,
			mcp.WithDescription(name+" tool"),
			mcp.WithString("input", mcp.Required())))
	}
	return out, nil
}

func (c *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(c.url + ":" + name), nil
}

func (c *fakeConn) Close() error {
	c.dialer.mu.Lock()
	c.dialer.closes[c.url]++
	c.dialer.record("close:" + c.url)
	c.dialer.mu.Unlock()
	return c.srv.closeErr
}

// fakeHandler issues grantedToken for goodCode.
type fakeHandler struct {
	store client.TokenStore
}

func (h *fakeHandler) RegisterClient(context.Context, string) error { return nil }

func (h *fakeHandler) GetAuthorizationURL(_ context.Context, state, challenge string) (string, error) {
	q := url.Values{"state": {state}, "code_challenge": {challenge}}
	return "https://auth.example/authorize?" + q.Encode(), nil
}

func (h *fakeHandler) ProcessAuthorizationResponse(ctx context.Context, code, _, _ string) error {
	if code != goodCode {
		return errors.New("invalid_grant")
	}
	return h.store.SaveToken(ctx, &client.Token{
		AccessToken: grantedToken,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
}

func newTestManager(t testing.TB, d *fakeDialer) (*Manager, *session.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := session.NewStore(logger)
	cfg := config.DefaultConfig()
	return NewManager(logger, cfg, d, store, nil), store
}

func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("bad auth url %q: %v", authURL, err)
	}
	return u.Query().Get("state")
}
