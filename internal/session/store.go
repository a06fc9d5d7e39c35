// Package session keeps the per-session OAuth clients and their credentials,
// keyed by session id and then by server URL. It is an in-process cache:
// a missing entry means the user must authorize again.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/oauth"
)

// Client is the handle stored per (session, server). *oauth.AuthorizationClient satisfies it.
type Client interface {
	GetTokens() *oauth.Tokens
	GetClientInfo() *oauth.ClientInfo
	Close() error
}

// Entry is one stored client with the credential state read at storage time.
type Entry struct {
	Client      Client
	ServerURL   string
	CallbackURL string
	Tokens      *oauth.Tokens
	ClientInfo  *oauth.ClientInfo
	StoredAt    time.Time
}

// Credentials is the read-only projection returned by GetStoredCredentials.
type Credentials struct {
	Tokens     *oauth.Tokens     `json:"tokens,omitempty"`
	ClientInfo *oauth.ClientInfo `json:"clientInfo,omitempty"`
}

type bucket struct {
	servers      map[string]*Entry
	lastActivity time.Time
}

// Store is safe for concurrent use.
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*bucket

	onEvictMu sync.RWMutex
	onEvict   func(sessionID string)
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:   logger.Named("session"),
		now:      time.Now,
		sessions: make(map[string]*bucket),
	}
}

// OnEvict registers fn to run after the idle sweeper removes a session.
func (s *Store) OnEvict(fn func(sessionID string)) {
	s.onEvictMu.Lock()
	s.onEvict = fn
	s.onEvictMu.Unlock()
}

// SetClient upserts the client for (sessionID, serverURL). Tokens and client
// info are re-read from c now, so the entry reflects the latest credential.
// A replaced client is closed unless it is the same handle.
func (s *Store) SetClient(sessionID string, c Client, serverURL, callbackURL string) {
	entry := &Entry{
		Client:      c,
		ServerURL:   serverURL,
		CallbackURL: callbackURL,
		Tokens:      c.GetTokens(),
		ClientInfo:  c.GetClientInfo(),
		StoredAt:    s.now(),
	}

	s.mu.Lock()
	b, ok := s.sessions[sessionID]
	if !ok {
		b = &bucket{servers: make(map[string]*Entry)}
		s.sessions[sessionID] = b
	}
	prev := b.servers[serverURL]
	b.servers[serverURL] = entry
	b.lastActivity = entry.StoredAt
	s.mu.Unlock()

	if prev != nil && prev.Client != c {
		s.closeClient(sessionID, prev)
	}

	s.logger.Debug("Stored client",
		zap.String("session_id", sessionID),
		zap.String("server_url", serverURL),
		zap.Bool("has_tokens", entry.Tokens != nil),
		zap.Bool("has_client_info", entry.ClientInfo != nil))
}

// GetClientForServer is an exact-match lookup on serverURL.
func (s *Store) GetClientForServer(sessionID, serverURL string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	entry, ok := b.servers[serverURL]
	if ok {
		b.lastActivity = s.now()
	}
	return entry, ok
}

// RemoveClientForServer closes and deletes one entry. Dropping the last entry
// drops the session.
func (s *Store) RemoveClientForServer(sessionID, serverURL string) {
	s.mu.Lock()
	b, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry, ok := b.servers[serverURL]
	if ok {
		delete(b.servers, serverURL)
		if len(b.servers) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	s.mu.Unlock()

	if entry != nil {
		s.closeClient(sessionID, entry)
	}
}

// RemoveSession closes every client of the session and forgets it.
func (s *Store) RemoveSession(sessionID string) {
	s.mu.Lock()
	b, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.closeBucket(sessionID, b)
}

// GetStoredCredentials returns what was captured for (sessionID, serverURL) at
// the last SetClient, or false.
func (s *Store) GetStoredCredentials(sessionID, serverURL string) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.sessions[sessionID]
	if !ok {
		return Credentials{}, false
	}
	entry, ok := b.servers[serverURL]
	if !ok {
		return Credentials{}, false
	}
	return Credentials{Tokens: entry.Tokens, ClientInfo: entry.ClientInfo}, true
}

// Touch marks the session active, creating an empty record for a session that
// has no stored clients yet so the idle sweeper can still evict it.
func (s *Store) Touch(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	b, ok := s.sessions[sessionID]
	if !ok {
		b = &bucket{servers: make(map[string]*Entry)}
		s.sessions[sessionID] = b
	}
	b.lastActivity = s.now()
	s.mu.Unlock()
}

// Sessions returns the known session ids in sorted order.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartCleanup evicts sessions idle for longer than idleTimeout every interval
// until ctx is done. A non-positive idleTimeout disables eviction.
func (s *Store) StartCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	if idleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.EvictIdle(idleTimeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// EvictIdle removes sessions with no activity within idleTimeout and returns their ids.
func (s *Store) EvictIdle(idleTimeout time.Duration) []string {
	now := s.now()
	evicted := make(map[string]*bucket)

	s.mu.Lock()
	for id, b := range s.sessions {
		if now.Sub(b.lastActivity) > idleTimeout {
			evicted[id] = b
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	s.onEvictMu.RLock()
	hook := s.onEvict
	s.onEvictMu.RUnlock()

	ids := make([]string, 0, len(evicted))
	for id, b := range evicted {
		s.logger.Debug("Evicting idle session",
			zap.String("session_id", id),
			zap.Duration("idle", now.Sub(b.lastActivity)))
		s.closeBucket(id, b)
		if hook != nil {
			hook(id)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every stored client and empties the store.
func (s *Store) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*bucket)
	s.mu.Unlock()

	var errs error
	for _, b := range sessions {
		for _, entry := range b.servers {
			errs = multierr.Append(errs, entry.Client.Close())
		}
	}
	return errs
}

func (s *Store) closeBucket(sessionID string, b *bucket) {
	var errs error
	for _, entry := range b.servers {
		errs = multierr.Append(errs, entry.Client.Close())
	}
	if errs != nil {
		s.logger.Warn("Errors closing session clients",
			zap.String("session_id", sessionID),
			zap.Int("count", len(multierr.Errors(errs))),
			zap.Error(errs))
	}
}

func (s *Store) closeClient(sessionID string, entry *Entry) {
	if err := entry.Client.Close(); err != nil {
		s.logger.Warn("Error closing client",
			zap.String("session_id", sessionID),
			zap.String("server_url", entry.ServerURL),
			zap.Error(err))
	}
}
