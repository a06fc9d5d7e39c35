package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// ErrSerializationFailed scopes a failure to one tool's schema.
var ErrSerializationFailed = errors.New("serialization failed")

// Parameter is the display shape of one field.
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// ParametersPayload is either an ordered set of fields or an error.
type ParametersPayload struct {
	Fields       *orderedmap.OrderedMap[string, Parameter]
	Error        string
	TypeReceived string
}

// Field returns the named field, if present.
func (p ParametersPayload) Field(name string) (Parameter, bool) {
	if p.Fields == nil {
		return Parameter{}, false
	}
	return p.Fields.Get(name)
}

func (p ParametersPayload) MarshalJSON() ([]byte, error) {
	if p.Error != "" {
		return json.Marshal(struct {
			Error        string `json:"error"`
			TypeReceived string `json:"typeReceived,omitempty"`
		}{p.Error, p.TypeReceived})
	}
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return p.Fields.MarshalJSON()
}

// UnmarshalJSON restores either shape, keeping field order. A parameter that
// happens to be named "error" holds an object, so it never reads as an error.
func (p *ParametersPayload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error        *string `json:"error"`
		TypeReceived string  `json:"typeReceived"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != nil {
		*p = ParametersPayload{Error: *probe.Error, TypeReceived: probe.TypeReceived}
		return nil
	}
	fields := orderedmap.New[string, Parameter]()
	if err := fields.UnmarshalJSON(data); err != nil {
		return err
	}
	*p = ParametersPayload{Fields: fields}
	return nil
}

// SerializedTool is a tool as shown to the browser.
type SerializedTool struct {
	Description string            `json:"description,omitempty"`
	Parameters  ParametersPayload `json:"parameters"`
}

// SerializeParameters renders the top-level schema of a tool. Objects yield one
// entry per property; a bare primitive becomes a single field named "value";
// anything else is an error payload naming the type received.
func SerializeParameters(s Schema) ParametersPayload {
	switch n := s.(type) {
	case nil:
		return ParametersPayload{Error: "parameters schema is undefined or null"}
	case *ObjectSchema:
		fields := orderedmap.New[string, Parameter]()
		if n.Properties != nil {
			for pair := n.Properties.Oldest(); pair != nil; pair = pair.Next() {
				fields.Set(pair.Key, serializeField(pair.Value))
			}
		}
		return ParametersPayload{Fields: fields}
	case *PrimitiveSchema:
		fields := orderedmap.New[string, Parameter]()
		fields.Set("value", Parameter{Type: string(n.Kind), Description: n.Description})
		return ParametersPayload{Fields: fields}
	default:
		return ParametersPayload{
			Error:        "parameters schema is not an object as expected",
			TypeReceived: TypeName(s),
		}
	}
}

// serializeField unwraps any stack of Optional/Default wrappers.
func serializeField(s Schema) Parameter {
	var p Parameter
	for {
		switch n := s.(type) {
		case *OptionalSchema:
			p.Optional = true
			s = n.Inner
			continue
		case *DefaultSchema:
			p.Optional = true
			s = n.Inner
			continue
		}
		break
	}

	switch n := s.(type) {
	case *PrimitiveSchema:
		p.Type = string(n.Kind)
		p.Description = n.Description
	case *ObjectSchema:
		p.Type = "unknown"
		p.Description = n.Description
	case *ArraySchema:
		p.Type = "unknown"
		p.Description = n.Description
	case *UnknownSchema:
		p.Type = "unknown"
		p.Description = n.Description
	default:
		p.Type = "unknown"
	}
	return p
}

// SerializeTools serializes every tool independently. A tool whose schema
// failed to parse, or whose serialization panics, gets an error payload; the
// others are unaffected.
func SerializeTools(specs map[string]ToolSpec, logger *zap.Logger) map[string]SerializedTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(map[string]SerializedTool, len(specs))
	for name, spec := range specs {
		st, err := serializeTool(name, spec)
		if err != nil {
			logger.Warn("Tool serialization failed", zap.String("tool", name), zap.Error(err))
		}
		out[name] = st
	}
	return out
}

// SerializeBreakdown applies SerializeTools per server.
func SerializeBreakdown(breakdown map[string]map[string]ToolSpec, logger *zap.Logger) map[string]map[string]SerializedTool {
	out := make(map[string]map[string]SerializedTool, len(breakdown))
	for server, specs := range breakdown {
		out[server] = SerializeTools(specs, logger)
	}
	return out
}

func serializeTool(name string, spec ToolSpec) (st SerializedTool, err error) {
	st.Description = spec.Description
	failed := ParametersPayload{Error: fmt.Sprintf("failed to serialize parameters for tool %s", name)}

	defer func() {
		if r := recover(); r != nil {
			st.Parameters = failed
			err = fmt.Errorf("%w: tool %s: panic: %v", ErrSerializationFailed, name, r)
		}
	}()

	if spec.SchemaErr != nil {
		st.Parameters = failed
		return st, fmt.Errorf("%w: tool %s: %w", ErrSerializationFailed, name, spec.SchemaErr)
	}
	st.Parameters = SerializeParameters(spec.Parameters)
	return st, nil
}
