package httpapi

import (
	"net/http"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/reqcontext"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/upstream"
)

// ToolsRequest carries the desired server set. A missing list falls back to
// the configured default servers.
type ToolsRequest struct {
	URLs []upstream.ServerDescriptor `json:"urls"`
}

// ToolsResponse is the serialized outcome of a reconcile.
type ToolsResponse struct {
	Tools        map[string]tools.SerializedTool            `json:"tools"`
	Breakdown    map[string]map[string]tools.SerializedTool `json:"breakdown"`
	Errors       map[string]string                          `json:"errors"`
	AuthRequired []upstream.ServerDescriptor                `json:"authRequired"`
}

// CallToolRequest invokes one tool. Server pins the call to one server.
type CallToolRequest struct {
	Tool   string         `json:"tool"`
	Server string         `json:"server,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// ReconnectResponse reports a single-server reconnect.
type ReconnectResponse struct {
	Success      bool                            `json:"success"`
	RequiresAuth bool                            `json:"requiresAuth,omitempty"`
	Server       upstream.ServerDescriptor       `json:"server"`
	Tools        map[string]tools.SerializedTool `json:"tools,omitempty"`
}

func (s *Server) handleReconcileTools(w http.ResponseWriter, r *http.Request) {
	var req ToolsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	desired := req.URLs
	if desired == nil {
		desired = s.cfg.Servers
	}

	sess := sessionFrom(r.Context())
	res, err := s.manager.Reconcile(r.Context(), sess.SessionID, desired)
	if err != nil {
		s.writeClassifiedError(w, r, err)
		return
	}

	logger := reqcontext.Logger(r.Context(), s.logger)
	s.writeJSON(w, http.StatusOK, ToolsResponse{
		Tools:        tools.SerializeTools(s.aggregator.Catalog(res.Tools), logger),
		Breakdown:    tools.SerializeBreakdown(res.Breakdown, logger),
		Errors:       res.Errors,
		AuthRequired: res.AuthRequired,
	})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "tool is required")
		return
	}

	sess := sessionFrom(r.Context())
	result, err := s.aggregator.CallTool(r.Context(), sess.SessionID, req.Server, req.Tool, req.Args)
	if err != nil {
		s.writeClassifiedError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleGetServers(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.manager.Status(sess.SessionID),
	})
}

func (s *Server) handleReconnectServer(w http.ResponseWriter, r *http.Request) {
	var desc upstream.ServerDescriptor
	if err := decodeBody(r, &desc); err != nil {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if desc.Name == "" || !validServerURL(desc.URL) {
		s.writeError(w, r, http.StatusBadRequest, codeBadRequest, "name and an absolute http(s) url are required")
		return
	}

	sess := sessionFrom(r.Context())
	res := s.manager.Reconnect(r.Context(), sess.SessionID, desc)
	switch {
	case res.AuthRequired != nil:
		s.writeJSON(w, http.StatusUnauthorized, ReconnectResponse{RequiresAuth: true, Server: *res.AuthRequired})
	case res.Err != nil:
		s.writeClassifiedError(w, r, res.Err)
	default:
		s.writeJSON(w, http.StatusOK, ReconnectResponse{
			Success: true,
			Server:  desc,
			Tools:   tools.SerializeTools(res.Tools, reqcontext.Logger(r.Context(), s.logger)),
		})
	}
}
