package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
)

// LocalHandler runs a local tool.
type LocalHandler func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

type localTool struct {
	spec    ToolSpec
	handler LocalHandler
}

// Registry holds tools implemented in-process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]localTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]localTool)}
}

var reflector = jsonschema.Reflector{
	Anonymous:      true,
	ExpandedStruct: true,
	DoNotReference: true,
}

// Register adds a tool whose parameter schema is reflected from the argument
// type T. Arguments are decoded into T through JSON before fn runs.
func Register[T any](r *Registry, name, description string, fn func(ctx context.Context, args T) (string, error)) error {
	var zero T
	js := reflector.Reflect(&zero)
	raw, err := json.Marshal(js)
	if err != nil {
		return fmt.Errorf("failed to encode schema for %s: %w", name, err)
	}

	handler := func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		var typed T
		if len(args) > 0 {
			buf, err := json.Marshal(args)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			if err := json.Unmarshal(buf, &typed); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		text, err := fn(ctx, typed)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}

	return r.add(ToolSpec{
		Name:        name,
		Description: description,
		Parameters:  FromJSONSchema(js),
		InputSchema: raw,
	}, handler)
}

func (r *Registry) add(spec ToolSpec, handler LocalHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("local tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = localTool{spec: spec, handler: handler}
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Specs returns a copy of the local catalog.
func (r *Registry) Specs() map[string]ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ToolSpec, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.spec
	}
	return out
}

// Call runs a local tool, or returns ErrToolNotFound.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t.handler(ctx, args)
}

// CurrentTimeArgs are the arguments of the current_time tool.
type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Paris. Defaults to UTC"`
}

// RegisterBuiltins adds the built-in local tools.
func RegisterBuiltins(r *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	return Register(r, "current_time", "Returns the current date and time in RFC 3339 format",
		func(_ context.Context, args CurrentTimeArgs) (string, error) {
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		})
}
