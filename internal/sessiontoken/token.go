// Package sessiontoken issues and reads the signed session cookie that ties a
// browser to its server-side session.
package sessiontoken

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCookieName = "mcp-session"
	DefaultTTL        = 7 * 24 * time.Hour

	issuer = "mcpchat"
)

var (
	ErrNoSession    = errors.New("no session")
	ErrInvalidToken = errors.New("invalid session token")
	ErrEmptySecret  = errors.New("session secret is empty")
)

// AuthState tracks whether the session has completed an OAuth flow.
type AuthState string

const (
	AuthPending    AuthState = "pending"
	AuthAuthorized AuthState = "authorized"
)

// Session is the data carried in the cookie.
type Session struct {
	SessionID   string    `json:"sessionId"`
	ServerURL   string    `json:"serverUrl,omitempty"`
	CallbackURL string    `json:"callbackUrl,omitempty"`
	AuthState   AuthState `json:"authState,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Patch is a merge-patch for Session. Nil fields keep their previous value.
type Patch struct {
	ServerURL   *string
	CallbackURL *string
	AuthState   *AuthState
}

// Apply returns s with the non-nil fields of p applied.
func (p Patch) Apply(s Session) Session {
	if p.ServerURL != nil {
		s.ServerURL = *p.ServerURL
	}
	if p.CallbackURL != nil {
		s.CallbackURL = *p.CallbackURL
	}
	if p.AuthState != nil {
		s.AuthState = *p.AuthState
	}
	return s
}

type claims struct {
	jwt.RegisteredClaims
	Session
}

// Options configures a Manager.
type Options struct {
	Secret     string
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager signs and verifies session cookies with HS256.
type Manager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager fails when the secret is empty.
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.Secret == "" {
		return nil, ErrEmptySecret
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		secret:     []byte(opts.Secret),
		cookieName: opts.CookieName,
		ttl:        opts.TTL,
		secure:     opts.Secure,
		logger:     logger.Named("sessiontoken"),
		now:        time.Now,
	}, nil
}

func (m *Manager) CookieName() string { return m.cookieName }

// Sign encodes s into a token that expires TTL from now.
func (m *Manager) Sign(s Session) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        s.SessionID,
		},
		Session: s,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, algorithm and expiry.
func (m *Manager) Parse(tokenStr string) (*Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidToken)
	}
	s := c.Session
	return &s, nil
}

// Get reads the session from the request cookie.
func (m *Manager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	return m.Parse(cookie.Value)
}

// GetOrCreate returns the request's session, issuing a new one when the cookie
// is missing or invalid. created reports whether a cookie was written.
func (m *Manager) GetOrCreate(w http.ResponseWriter, r *http.Request) (s *Session, created bool, err error) {
	s, err = m.Get(r)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrNoSession) {
		m.logger.Debug("Replacing invalid session cookie", zap.Error(err))
	}

	s = m.newSession()
	if err := m.write(w, *s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Update merge-patches the current session and rewrites the cookie. A request
// without a session gets a new one with the patch applied.
func (m *Manager) Update(w http.ResponseWriter, r *http.Request, p Patch) (*Session, error) {
	current, err := m.Get(r)
	if err != nil {
		current = m.newSession()
	}
	next := p.Apply(*current)
	if err := m.write(w, next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (m *Manager) newSession() *Session {
	return &Session{
		SessionID: uuid.NewString(),
		AuthState: AuthPending,
		CreatedAt: m.now().UTC().Truncate(time.Second),
	}
}

// Clear expires the cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) write(w http.ResponseWriter, s Session) error {
	signed, err := m.Sign(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
