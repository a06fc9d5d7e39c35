package httpapi

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/sessiontoken"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream"
)

// SessionResponse is returned by GET /api/mcp/session.
type SessionResponse struct {
	SessionID string                 `json:"sessionId"`
	AuthState sessiontoken.AuthState `json:"authState,omitempty"`
	ServerURL string                 `json:"serverUrl,omitempty"`
}

// ConnectRequest starts authorization against one server.
type ConnectRequest struct {
	ServerURL   string `json:"serverUrl"`
	ServerName  string `json:"serverName,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// ConnectResponse tells the UI whether to open the authorization popup.
type ConnectResponse struct {
	Success      bool   `json:"success"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
	SessionID    string `json:"sessionId"`
}

// DisconnectRequest drops one server, or the whole session when ServerURL is empty.
type DisconnectRequest struct {
	ServerURL string `json:"serverUrl,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.sessions.GetOrCreate(w, r)
	if err != nil {
		s.writeClassifiedError(w, r, err)
		return
	}
	s.manager.Touch(sess.SessionID)
	s.writeJSON(w, http.StatusOK, SessionResponse{
		SessionID: sess.SessionID,
		AuthState: sess.AuthState,
		ServerURL: sess.ServerURL,
	})
}

func (s *Server) handleAuthConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if !validServerURL(req.ServerURL) {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "serverUrl must be an absolute http(s) URL")
		return
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.CallbackURL()
	}
	name := req.ServerName
	if name == "" {
		name = req.ServerURL
	}

	sess, err := s.sessions.Update(w, r, sessiontoken.Patch{
		ServerURL:   &req.ServerURL,
		CallbackURL: &callbackURL,
	})
	if err != nil {
		s.writeClassifiedError(w, r, err)
		return
	}
	s.manager.Touch(sess.SessionID)

	authURL, err := s.manager.BeginAuthorization(r.Context(), sess.SessionID,
		upstream.ServerDescriptor{Name: name, URL: req.ServerURL}, callbackURL)
	if err != nil {
		s.writeClassifiedError(w, r, err)
		return
	}
	if authURL != "" {
		s.writeJSON(w, http.StatusUnauthorized, ConnectResponse{
			RequiresAuth: true,
			AuthURL:      authURL,
			SessionID:    sess.SessionID,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, ConnectResponse{Success: true, SessionID: sess.SessionID})
}

// handleAuthCallback finishes the OAuth round trip. Every rejection redirects
// to the callback page with an error and never reaches the token endpoint.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	logger := reqcontext.Logger(r.Context(), s.logger)
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		msg := providerErr
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		logger.Warn("Authorization denied by provider", zap.String("error", msg))
		s.redirectCallback(w, r, url.Values{"error": {msg}})
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		s.redirectCallback(w, r, url.Values{"error": {"missing code or state"}})
		return
	}

	sess, err := s.sessions.Get(r)
	if err != nil {
		logger.Warn("Authorization callback without a valid session", zap.Error(err))
		s.redirectCallback(w, r, url.Values{"error": {codeNoSession}})
		return
	}

	serverURL, err := s.manager.CompleteAuthorization(r.Context(), sess.SessionID, state, code)
	if err != nil {
		_, errCode := classify(err)
		logger.Warn("Authorization callback rejected",
			zap.String("session_id", sess.SessionID),
			zap.String("code", errCode),
			zap.Error(err))
		s.redirectCallback(w, r, url.Values{"error": {errCode}})
		return
	}

	authorized := sessiontoken.AuthAuthorized
	if _, err := s.sessions.Update(w, r, sessiontoken.Patch{
		ServerURL: &serverURL,
		AuthState: &authorized,
	}); err != nil {
		logger.Error("Failed to update session after authorization", zap.Error(err))
	}
	s.redirectCallback(w, r, url.Values{
		"success":   {"true"},
		"serverUrl": {serverURL},
		"sessionId": {sess.SessionID},
	})
}

func (s *Server) handleAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.sessions.Get(r)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if req.ServerURL != "" {
		s.manager.ForgetServer(r.Context(), sess.SessionID, req.ServerURL)
	} else {
		s.manager.ForgetSession(r.Context(), sess.SessionID)
		s.sessions.Clear(w)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) redirectCallback(w http.ResponseWriter, r *http.Request, params url.Values) {
	http.Redirect(w, r, callbackPagePath+"?"+params.Encode(), http.StatusFound)
}

func validServerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
