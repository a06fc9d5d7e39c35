package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// RemoteCaller routes a call to the connected server owning the tool.
type RemoteCaller interface {
	CallTool(ctx context.Context, sessionID, toolName string, args map[string]any) (*mcp.CallToolResult, error)
	CallToolOn(ctx context.Context, sessionID, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error)
}

// Aggregator presents local and remote tools as one catalog.
type Aggregator struct {
	local  *Registry
	remote RemoteCaller
}

func NewAggregator(local *Registry, remote RemoteCaller) *Aggregator {
	if local == nil {
		local = NewRegistry()
	}
	return &Aggregator{local: local, remote: remote}
}

func (a *Aggregator) Local() *Registry { return a.local }

// Catalog returns remote tools merged with local ones. Local tools are merged
// last and so win on a name collision.
func (a *Aggregator) Catalog(remote map[string]ToolSpec) map[string]ToolSpec {
	out := make(map[string]ToolSpec, len(remote))
	for name, spec := range remote {
		out[name] = spec
	}
	for name, spec := range a.local.Specs() {
		out[name] = spec
	}
	return out
}

// CallTool runs a tool by name. With a server name the call goes to that
// server only; otherwise local tools take precedence over remote ones, the
// same precedence Catalog applies.
func (a *Aggregator) CallTool(ctx context.Context, sessionID, server, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if server != "" {
		if a.remote == nil {
			return nil, ErrToolNotFound
		}
		return a.remote.CallToolOn(ctx, sessionID, server, toolName, args)
	}
	if a.local.Has(toolName) {
		return a.local.Call(ctx, toolName, args)
	}
	if a.remote == nil {
		return nil, ErrToolNotFound
	}
	return a.remote.CallTool(ctx, sessionID, toolName, args)
}
