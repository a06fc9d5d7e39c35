package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/oauth"
)

type stubClient struct {
	mu       sync.Mutex
	tokens   *oauth.Tokens
	info     *oauth.ClientInfo
	closeErr error
	closed   atomic.Int32
}

func (c *stubClient) GetTokens() *oauth.Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *stubClient) GetClientInfo() *oauth.ClientInfo { return c.info }

func (c *stubClient) Close() error {
	c.closed.Add(1)
	return c.closeErr
}

func (c *stubClient) setTokens(t *oauth.Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

const (
	urlA = "https://a.example/mcp"
	urlB = "https://b.example/mcp"
)

func TestSetClientRereadsCredentials(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	c := &stubClient{info: &oauth.ClientInfo{ClientID: "cid"}}

	s.SetClient("s1", c, urlA, "http://cb")
	creds, ok := s.GetStoredCredentials("s1", urlA)
	require.True(t, ok)
	assert.Nil(t, creds.Tokens)
	assert.Equal(t, "cid", creds.ClientInfo.ClientID)

	c.setTokens(&oauth.Tokens{AccessToken: "tok"})
	s.SetClient("s1", c, urlA, "http://cb")
	creds, ok = s.GetStoredCredentials("s1", urlA)
	require.True(t, ok)
	require.NotNil(t, creds.Tokens)
	assert.Equal(t, "tok", creds.Tokens.AccessToken)

	// Same handle re-stored is not closed.
	assert.Equal(t, int32(0), c.closed.Load())
}

func TestSetClientClosesReplacedHandle(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	first := &stubClient{}
	second := &stubClient{}

	s.SetClient("s1", first, urlA, "")
	s.SetClient("s1", second, urlA, "")

	assert.Equal(t, int32(1), first.closed.Load())
	entry, ok := s.GetClientForServer("s1", urlA)
	require.True(t, ok)
	assert.Same(t, second, entry.Client)
}

func TestGetClientForServerExactMatch(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	s.SetClient("s1", &stubClient{}, urlA, "")

	_, ok := s.GetClientForServer("s1", urlA+"/")
	assert.False(t, ok)
	_, ok = s.GetClientForServer("s2", urlA)
	assert.False(t, ok)
	entry, ok := s.GetClientForServer("s1", urlA)
	require.True(t, ok)
	assert.Equal(t, urlA, entry.ServerURL)
}

func TestRemoveLastClientRemovesSession(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	a := &stubClient{}
	b := &stubClient{}
	s.SetClient("s1", a, urlA, "")
	s.SetClient("s1", b, urlB, "")

	s.RemoveClientForServer("s1", urlA)
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, 1, s.Len())

	s.RemoveClientForServer("s1", urlB)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Sessions())

	// Unknown entries are a no-op.
	s.RemoveClientForServer("s1", urlB)
	s.RemoveSession("nope")
}

func TestRemoveSessionIsBestEffort(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	failing := &stubClient{closeErr: errors.New("boom")}
	ok := &stubClient{}
	s.SetClient("s1", failing, urlA, "")
	s.SetClient("s1", ok, urlB, "")
	s.SetClient("s2", &stubClient{}, urlA, "")

	s.RemoveSession("s1")
	assert.Equal(t, int32(1), failing.closed.Load())
	assert.Equal(t, int32(1), ok.closed.Load())
	assert.Equal(t, []string{"s2"}, s.Sessions())
}

func TestEvictIdle(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	now := time.Now()
	s.now = func() time.Time { return now }

	idle := &stubClient{}
	s.SetClient("idle", idle, urlA, "")
	s.SetClient("busy", &stubClient{}, urlA, "")

	var evicted []string
	s.OnEvict(func(id string) { evicted = append(evicted, id) })

	now = now.Add(20 * time.Minute)
	_, found := s.GetClientForServer("busy", urlA)
	require.True(t, found)

	now = now.Add(15 * time.Minute)
	ids := s.EvictIdle(30 * time.Minute)
	assert.Equal(t, []string{"idle"}, ids)
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, int32(1), idle.closed.Load())
	assert.Equal(t, []string{"busy"}, s.Sessions())
}

func TestTouchTracksSessionsWithoutClients(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Touch("")
	assert.Zero(t, s.Len())

	s.Touch("anon")
	assert.Equal(t, []string{"anon"}, s.Sessions())
	_, found := s.GetClientForServer("anon", urlA)
	assert.False(t, found)

	now = now.Add(time.Hour)
	s.Touch("fresh")
	assert.Equal(t, []string{"anon"}, s.EvictIdle(30*time.Minute))
	assert.Equal(t, []string{"fresh"}, s.Sessions())
}

func TestStartCleanupStopsWithContext(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	s.SetClient("s1", &stubClient{}, urlA, "")

	evicted := make(chan string, 1)
	s.OnEvict(func(id string) { evicted <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartCleanup(ctx, 10*time.Millisecond, time.Nanosecond)

	select {
	case id := <-evicted:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not evicted")
	}
}

func TestCloseCombinesErrors(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	s.SetClient("s1", &stubClient{closeErr: errors.New("one")}, urlA, "")
	s.SetClient("s2", &stubClient{closeErr: errors.New("two")}, urlA, "")

	err := s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.Equal(t, 0, s.Len())
}

func TestConcurrentAccessAcrossSessions(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := string(rune('a' + i))
			s.SetClient(sid, &stubClient{}, urlA, "")
			s.GetClientForServer(sid, urlA)
			s.GetStoredCredentials(sid, urlA)
			if i%2 == 0 {
				s.RemoveSession(sid)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, s.Len())
}

func TestAuthorizationClientSatisfiesClient(t *testing.T) {
	var _ Client = oauth.NewAuthorizationClient(oauth.Options{SessionID: "s", ServerURL: urlA})
}
