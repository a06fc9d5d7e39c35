package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

// Tokens is the credential material obtained from a token exchange.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// ClientInfo is the OAuth client identity, either configured or obtained by
// dynamic client registration.
type ClientInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// MemoryTokenStore implements client.TokenStore for one (session, server) pair.
// Tokens live only as long as the process.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	token  *client.Token
	key    string
	logger *zap.Logger
}

// NewMemoryTokenStore creates an empty store. The key only tags log lines.
func NewMemoryTokenStore(sessionID, serverURL string, logger *zap.Logger) *MemoryTokenStore {
	key := storeKey(sessionID, serverURL)
	return &MemoryTokenStore{
		key:    key,
		logger: logger.With(zap.String("token_store", key)),
	}
}

// storeKey hashes the pair so session ids never appear in logs verbatim.
func storeKey(sessionID, serverURL string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + serverURL))
	return hex.EncodeToString(sum[:])[:16]
}

// GetToken returns transport.ErrNoToken when nothing has been saved.
func (s *MemoryTokenStore) GetToken(ctx context.Context) (*client.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, transport.ErrNoToken
	}
	cp := *s.token
	return &cp, nil
}

func (s *MemoryTokenStore) SaveToken(ctx context.Context, token *client.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	cp := *token
	s.mu.Lock()
	s.token = &cp
	s.mu.Unlock()

	s.logger.Debug("OAuth token saved",
		zap.String("token_type", token.TokenType),
		zap.Time("expires_at", token.ExpiresAt),
		zap.Bool("has_refresh_token", token.RefreshToken != ""))
	return nil
}

// Snapshot returns the stored tokens, or nil.
func (s *MemoryTokenStore) Snapshot() *Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil || s.token.AccessToken == "" {
		return nil
	}
	t := &Tokens{
		AccessToken:  s.token.AccessToken,
		RefreshToken: s.token.RefreshToken,
		TokenType:    s.token.TokenType,
		ExpiresAt:    s.token.ExpiresAt,
		Scope:        s.token.Scope,
	}
	if !t.ExpiresAt.IsZero() {
		if remaining := time.Until(t.ExpiresAt); remaining > 0 {
			t.ExpiresIn = int64(remaining.Seconds())
		}
	}
	return t
}

// Clear drops any stored token.
func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
