package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newUpstream(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()

	s := mcpserver.NewMCPServer("upstream", "1.0.0-test", mcpserver.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the message back"),
			mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			msg, err := req.RequireString("message")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("echo: " + msg), nil
		},
	)
	s.AddTool(mcp.NewTool("ping", mcp.WithDescription("Liveness check")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("pong"), nil
		},
	)

	var h http.Handler = mcpserver.NewStreamableHTTPServer(s)
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func testDialer() *HTTPDialer {
	return NewHTTPDialer(zap.NewNop(), Timeouts{Connect: 5 * time.Second}, "test", false)
}

func TestDialListAndCall(t *testing.T) {
	srv := newUpstream(t, nil)
	ctx := context.Background()

	conn, err := testDialer().Dial(ctx, &HTTPTransportConfig{URL: srv.URL})
	require.NoError(t, err)
	defer conn.Close()

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "ping"}, names)

	res, err := conn.CallTool(ctx, "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Equal(t, "echo: hi", text.Text)
}

func TestDialWithStaticHeaders(t *testing.T) {
	srv := newUpstream(t, requireBearer)

	conn, err := testDialer().Dial(context.Background(), &HTTPTransportConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer good-token"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestDialUnauthorized(t *testing.T) {
	srv := newUpstream(t, requireBearer)

	_, err := testDialer().Dial(context.Background(), &HTTPTransportConfig{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, IsAuthRequired(err))
	assert.False(t, errors.Is(err, ErrConnectionFailed))

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, srv.URL, authErr.URL)
	assert.Nil(t, authErr.Handler)
}

func TestDialOAuthWithoutTokenYieldsHandler(t *testing.T) {
	srv := newUpstream(t, requireBearer)

	_, err := testDialer().Dial(context.Background(), &HTTPTransportConfig{
		URL:      srv.URL,
		UseOAuth: true,
		OAuthConfig: &client.OAuthConfig{
			RedirectURI: "http://localhost:8080/api/mcp/auth/callback",
			TokenStore:  client.NewMemoryTokenStore(),
			PKCEEnabled: true,
		},
	})
	require.Error(t, err)

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.NotNil(t, authErr.Handler)
}

func TestDialConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testDialer().Dial(context.Background(), &HTTPTransportConfig{URL: url})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, IsAuthRequired(err))
}

// hangOn stalls every JSON-RPC request whose method matches, or every request
// when method is empty, until the client gives up.
func hangOn(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			if method == "" || bytes.Contains(body, []byte(`"method":"`+method+`"`)) {
				select {
				case <-r.Context().Done():
				case <-time.After(10 * time.Second):
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestDialTimesOutOnHungServer(t *testing.T) {
	srv := newUpstream(t, hangOn(""))
	dialer := NewHTTPDialer(zap.NewNop(), Timeouts{Connect: 300 * time.Millisecond}, "test", false)

	start := time.Now()
	_, err := dialer.Dial(context.Background(), &HTTPTransportConfig{URL: srv.URL})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, IsAuthRequired(err))
	assert.Less(t, elapsed, 3*time.Second)
}

func TestListToolsTimesOut(t *testing.T) {
	srv := newUpstream(t, hangOn("tools/list"))
	dialer := NewHTTPDialer(zap.NewNop(), Timeouts{
		Connect:   5 * time.Second,
		ListTools: 300 * time.Millisecond,
	}, "test", false)
	ctx := context.Background()

	conn, err := dialer.Dial(ctx, &HTTPTransportConfig{URL: srv.URL})
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.ListTools(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestCallToolTimesOut(t *testing.T) {
	srv := newUpstream(t, hangOn("tools/call"))
	dialer := NewHTTPDialer(zap.NewNop(), Timeouts{
		Connect:  5 * time.Second,
		CallTool: 300 * time.Millisecond,
	}, "test", false)
	ctx := context.Background()

	conn, err := dialer.Dial(ctx, &HTTPTransportConfig{URL: srv.URL})
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.CallTool(ctx, "ping", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestDialEmptyURL(t *testing.T) {
	_, err := testDialer().Dial(context.Background(), &HTTPTransportConfig{})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		auth bool
	}{
		{"plain 401", errors.New("request failed with status 401: missing token"), true},
		{"unauthorized word", errors.New("Unauthorized"), true},
		{"port containing 401", errors.New(`dial tcp 127.0.0.1:40123: connect: connection refused`), false},
		{"server error", errors.New("request failed with status 500: boom"), false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError("https://example.com/mcp", tt.err)
			assert.Equal(t, tt.auth, IsAuthRequired(got))
			assert.Equal(t, !tt.auth, errors.Is(got, ErrConnectionFailed))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, classifyError("x", nil))

	already := &AuthRequiredError{URL: "x", Err: errors.New("inner")}
	assert.Same(t, already, classifyError("y", already))
}

func TestLoggingTransportRedacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Set-Cookie", "mcp-session=abc")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	core, recorded := observer.New(zapcore.DebugLevel)
	httpClient := &http.Client{Transport: NewLoggingTransport(nil, zap.New(core))}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/cb?code=secret-code&x=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer topsecret")

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	entries := recorded.All()
	require.Len(t, entries, 2)

	reqFields := entries[0].ContextMap()
	assert.NotContains(t, reqFields["url"], "secret-code")
	assert.Contains(t, reqFields["url"], "x=1")
	assert.Equal(t, "***REDACTED***", reqFields["headers"].(map[string]string)["Authorization"])

	respFields := entries[1].ContextMap()
	assert.EqualValues(t, http.StatusNoContent, respFields["status"])
	assert.Equal(t, "***REDACTED***", respFields["headers"].(map[string]string)["Set-Cookie"])
}
