package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrToolNotFound means no local tool or connected server owns the name.
var ErrToolNotFound = errors.New("tool not found")

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Server is the owning server name, empty for local tools.
	Server string `json:"server,omitempty"`

	Parameters Schema `json:"-"`
	// SchemaErr records why Parameters could not be parsed.
	SchemaErr error `json:"-"`
	// InputSchema is the schema as received, for the model-invocation layer.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// FromMCPTool builds a ToolSpec for a tool listed by server.
func FromMCPTool(server string, t mcp.Tool) ToolSpec {
	spec := ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Server:      server,
	}
	if len(t.RawInputSchema) > 0 {
		spec.InputSchema = append(json.RawMessage(nil), t.RawInputSchema...)
	} else if raw, err := json.Marshal(t.InputSchema); err == nil {
		spec.InputSchema = raw
	}
	spec.Parameters, spec.SchemaErr = ParseToolInputSchema(t)
	return spec
}

// FromMCPTools converts a tool listing into a name-keyed catalog. Later
// duplicates replace earlier ones.
func FromMCPTools(server string, list []mcp.Tool) map[string]ToolSpec {
	out := make(map[string]ToolSpec, len(list))
	for _, t := range list {
		out[t.Name] = FromMCPTool(server, t)
	}
	return out
}
