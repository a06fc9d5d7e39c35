package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
)

const (
	testServerURL = "https://mcp.example.com/mcp"
	validToken    = "valid-access-token"
	validCode     = "good-code"
)

type fakeConn struct {
	closed atomic.Bool
	tools  []mcp.Tool
	delay  time.Duration
	inCall atomic.Bool
}

func (c *fakeConn) ListTools(context.Context) ([]mcp.Tool, error) { return c.tools, nil }

func (c *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	c.inCall.Store(true)
	time.Sleep(c.delay)
	if c.closed.Load() {
		return nil, errors.New("transport closed")
	}
	return mcp.NewToolResultText("called " + name), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeHandler mimics the mcp-go OAuth handler: it issues a token into the
// dialing client's store when given the right code.
type fakeHandler struct {
	store      client.TokenStore
	registered atomic.Int32
	lastState  string
	exchangeFn func(code string) error
}

func (h *fakeHandler) RegisterClient(context.Context, string) error {
	h.registered.Add(1)
	return nil
}

func (h *fakeHandler) GetAuthorizationURL(_ context.Context, state, challenge string) (string, error) {
	h.lastState = state
	return "https://auth.example.com/authorize?state=" + state + "&code_challenge=" + challenge, nil
}

func (h *fakeHandler) ProcessAuthorizationResponse(ctx context.Context, code, _, verifier string) error {
	if verifier == "" {
		return errors.New("missing verifier")
	}
	if h.exchangeFn != nil {
		if err := h.exchangeFn(code); err != nil {
			return err
		}
	} else if code != validCode {
		return errors.New("invalid_grant")
	}
	return h.store.SaveToken(ctx, &client.Token{
		AccessToken:  validToken,
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
}

func (h *fakeHandler) GetClientID() string     { return "dcr-client" }
func (h *fakeHandler) GetClientSecret() string { return "dcr-secret" }

// fakeDialer accepts only connections whose token store holds validToken.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	down      bool
	callDelay time.Duration
	handler   *fakeHandler
	lastConn  *fakeConn
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, cfg *transport.HTTPTransportConfig) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down {
		return nil, transport.ErrConnectionFailed
	}
	store := cfg.OAuthConfig.TokenStore
	tok, err := store.GetToken(ctx)
	if err == nil && tok.AccessToken == validToken {
		d.lastConn = &fakeConn{tools: []mcp.Tool{mcp.NewTool("search")}, delay: d.callDelay}
		d.conns = append(d.conns, d.lastConn)
		return d.lastConn, nil
	}
	if d.handler == nil {
		d.handler = &fakeHandler{}
	}
	d.handler.store = store
	return nil, &transport.AuthRequiredError{URL: cfg.URL, Handler: d.handler, Err: errors.New("no valid token available")}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestClient(t *testing.T, d transport.Dialer) *AuthorizationClient {
	t.Helper()
	return NewAuthorizationClient(Options{
		SessionID:   "session-1",
		ServerURL:   testServerURL,
		CallbackURL: "http://localhost:8080/api/mcp/auth/callback",
		Dialer:      d,
		Logger:      zap.NewNop(),
	})
}

func TestStateRoundTrip(t *testing.T) {
	encoded, err := EncodeState(State{SessionID: "abc", ServerURL: testServerURL})
	require.NoError(t, err)

	decoded, err := DecodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded.SessionID)
	assert.Equal(t, testServerURL, decoded.ServerURL)
	assert.NotEmpty(t, decoded.Nonce)

	again, err := EncodeState(State{SessionID: "abc", ServerURL: testServerURL})
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "nonce should differ between flows")
}

func TestDecodeStateRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"not json", "bm90LWpzb24"},
		{"missing session", "eyJzZXJ2ZXJVcmwiOiJodHRwczovL3gifQ"},
		{"missing server", "eyJzZXNzaW9uSWQiOiJhYmMifQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState(tt.input)
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore("s", testServerURL, zap.NewNop())
	ctx := context.Background()

	_, err := store.GetToken(ctx)
	assert.ErrorIs(t, err, mcptransport.ErrNoToken)
	assert.Nil(t, store.Snapshot())

	require.NoError(t, store.SaveToken(ctx, &client.Token{
		AccessToken: "a", TokenType: "Bearer", ExpiresAt: time.Now().Add(10 * time.Minute),
	}))
	tok, err := store.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	snap := store.Snapshot()
	require.NotNil(t, snap)
	assert.InDelta(t, 600, snap.ExpiresIn, 5)

	store.Clear()
	assert.Nil(t, store.Snapshot())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.GetToken(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreKeyHidesSessionID(t *testing.T) {
	key := storeKey("secret-session", testServerURL)
	assert.Len(t, key, 16)
	assert.NotContains(t, key, "secret")
	assert.NotEqual(t, key, storeKey("other", testServerURL))
}

func TestFullAuthorizationFlow(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()
	assert.Equal(t, StateUninitialized, c.State())

	authURL, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	assert.Contains(t, authURL, "https://auth.example.com/authorize")
	assert.Equal(t, StateAwaitingAuthorization, c.State())
	assert.Equal(t, int32(1), d.handler.registered.Load())

	state, err := DecodeState(c.PendingState())
	require.NoError(t, err)
	assert.Equal(t, "session-1", state.SessionID)
	assert.Equal(t, testServerURL, state.ServerURL)
	assert.Equal(t, d.handler.lastState, c.PendingState())

	require.NoError(t, c.CompleteAuthorization(ctx, validCode))
	assert.Equal(t, StateConnected, c.State())
	assert.Empty(t, c.PendingState())

	tokens := c.GetTokens()
	require.NotNil(t, tokens)
	assert.Equal(t, validToken, tokens.AccessToken)
	assert.Equal(t, "refresh", tokens.RefreshToken)

	info := c.GetClientInfo()
	require.NotNil(t, info)
	assert.Equal(t, "dcr-client", info.ClientID)
	assert.Equal(t, "dcr-secret", info.ClientSecret)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)

	res, err := c.CallTool(ctx, "search", nil)
	require.NoError(t, err)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Equal(t, "called search", text.Text)
}

func TestCompleteWithoutBegin(t *testing.T) {
	c := newTestClient(t, &fakeDialer{})
	err := c.CompleteAuthorization(context.Background(), validCode)
	assert.ErrorIs(t, err, ErrNoPendingAuthorization)
}

func TestCompleteExchangeFailure(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)

	err = c.CompleteAuthorization(ctx, "bad-code")
	assert.ErrorIs(t, err, ErrAuthExchangeFailed)
	assert.Equal(t, StateFailed, c.State())
	assert.Nil(t, c.GetTokens())

	// A second attempt with the same pending flow is not allowed.
	err = c.CompleteAuthorization(ctx, validCode)
	assert.ErrorIs(t, err, ErrNoPendingAuthorization)
}

func TestConfiguredClientIDSkipsRegistration(t *testing.T) {
	d := &fakeDialer{}
	c := NewAuthorizationClient(Options{
		SessionID: "s", ServerURL: testServerURL, ClientID: "static", Dialer: d,
	})
	_, err := c.BeginAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), d.handler.registered.Load())
}

func TestListToolsWithoutTokenReturnsAuthURL(t *testing.T) {
	c := newTestClient(t, &fakeDialer{})

	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
	assert.True(t, transport.IsAuthRequired(err))

	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, testServerURL, authErr.ServerURL)
	assert.NotEmpty(t, authErr.AuthURL)
	assert.Equal(t, StateAwaitingAuthorization, c.State())
}

func TestEnsureConnectedAlwaysRedials(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteAuthorization(ctx, validCode))
	first := d.lastConn
	before := d.dialCount()

	_, err = c.ListTools(ctx)
	require.NoError(t, err)
	_, err = c.ListTools(ctx)
	require.NoError(t, err)

	assert.Equal(t, before+2, d.dialCount())
	assert.True(t, first.closed.Load(), "replaced connection should be closed")
}

func TestConcurrentCallsSurviveRedial(t *testing.T) {
	d := &fakeDialer{callDelay: 100 * time.Millisecond}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteAuthorization(ctx, validCode))

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CallTool(ctx, "search", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}

	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	require.Len(t, conns, callers+1)
	for i, conn := range conns[:callers] {
		assert.True(t, conn.closed.Load(), "replaced connection %d should be closed once idle", i)
	}
	assert.False(t, conns[callers].closed.Load(), "current connection stays open")

	require.NoError(t, c.Close())
	assert.True(t, conns[callers].closed.Load())
}

func TestCloseWaitsForInflightCall(t *testing.T) {
	d := &fakeDialer{callDelay: 100 * time.Millisecond}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteAuthorization(ctx, validCode))

	done := make(chan error, 1)
	go func() {
		_, err := c.CallTool(ctx, "search", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.dials == 2 && d.lastConn.inCall.Load()
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	require.NoError(t, <-done)
	assert.True(t, d.lastConn.closed.Load(), "connection should close after its last call")
}

func TestRevokedCredentialFailsWithAuthRequired(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteAuthorization(ctx, validCode))

	// Server-side revocation: the stored token no longer passes.
	require.NoError(t, c.store.SaveToken(ctx, &client.Token{AccessToken: "revoked"}))

	_, err = c.ListTools(ctx)
	assert.ErrorIs(t, err, ErrAuthorizationRequired)
	assert.Equal(t, StateFailed, c.State())
}

func TestConnectionFailure(t *testing.T) {
	d := &fakeDialer{down: true}
	c := newTestClient(t, d)

	_, err := c.BeginAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StateFailed, c.State())
}

func TestCloseReleasesConnection(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d)
	ctx := context.Background()

	_, err := c.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteAuthorization(ctx, validCode))

	conn := d.lastConn
	require.NoError(t, c.Close())
	assert.True(t, conn.closed.Load())
	require.NoError(t, c.Close())
}

func TestFlowStateString(t *testing.T) {
	assert.Equal(t, "awaiting_authorization", StateAwaitingAuthorization.String())
	assert.Equal(t, "unknown", FlowState(42).String())
}
