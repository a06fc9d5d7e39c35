// Package tools models tool parameter schemas as a closed set of node types,
// serializes them for display, and merges local and remote tool catalogs.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Schema is one node of a parameter schema. The set of implementations is
// closed: PrimitiveSchema, ObjectSchema, ArraySchema, UnknownSchema and the
// OptionalSchema / DefaultSchema wrappers.
type Schema interface {
	schemaNode()
}

// PrimitiveKind is the base type of a PrimitiveSchema.
type PrimitiveKind string

const (
	KindString  PrimitiveKind = "string"
	KindNumber  PrimitiveKind = "number"
	KindBoolean PrimitiveKind = "boolean"
)

type PrimitiveSchema struct {
	Kind        PrimitiveKind
	Description string
}

// ObjectSchema keeps properties in declaration order.
type ObjectSchema struct {
	Properties  *orderedmap.OrderedMap[string, Schema]
	Description string
}

type ArraySchema struct {
	Items       Schema
	Description string
}

// UnknownSchema stands in for any node the parser does not model.
type UnknownSchema struct {
	TypeName    string
	Description string
}

// OptionalSchema marks Inner as not required.
type OptionalSchema struct {
	Inner Schema
}

// DefaultSchema carries a default value for Inner.
type DefaultSchema struct {
	Inner   Schema
	Default any
}

func (*PrimitiveSchema) schemaNode() {}
func (*ObjectSchema) schemaNode()    {}
func (*ArraySchema) schemaNode()     {}
func (*UnknownSchema) schemaNode()   {}
func (*OptionalSchema) schemaNode()  {}
func (*DefaultSchema) schemaNode()   {}

// NewObject builds an ObjectSchema from name/schema pairs, keeping their order.
func NewObject(description string, fields ...Field) *ObjectSchema {
	props := orderedmap.New[string, Schema]()
	for _, f := range fields {
		props.Set(f.Name, f.Schema)
	}
	return &ObjectSchema{Properties: props, Description: description}
}

// Field is a named property used with NewObject.
type Field struct {
	Name   string
	Schema Schema
}

// TypeName names the node kind, as reported in typeReceived.
func TypeName(s Schema) string {
	switch n := s.(type) {
	case nil:
		return "undefined"
	case *PrimitiveSchema:
		return string(n.Kind)
	case *ObjectSchema:
		return "object"
	case *ArraySchema:
		return "array"
	case *UnknownSchema:
		if n.TypeName == "" {
			return "unknown"
		}
		return n.TypeName
	case *OptionalSchema:
		return "optional"
	case *DefaultSchema:
		return "default"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// ParseJSONSchema converts a JSON-schema document into a Schema. Properties
// missing from "required" are wrapped in OptionalSchema; properties with a
// "default" are wrapped in DefaultSchema. "integer" maps to number.
func ParseJSONSchema(raw []byte) (Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	return FromJSONSchema(&js), nil
}

// ParseToolInputSchema parses the input schema of an MCP tool, preferring the
// raw form when the server sent one.
func ParseToolInputSchema(t mcp.Tool) (Schema, error) {
	if len(t.RawInputSchema) > 0 {
		return ParseJSONSchema(t.RawInputSchema)
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input schema: %w", err)
	}
	return ParseJSONSchema(raw)
}

// FromJSONSchema converts an already-decoded schema.
func FromJSONSchema(js *jsonschema.Schema) Schema {
	if js == nil {
		return nil
	}

	typ := js.Type
	if typ == "" {
		switch {
		case js.Properties != nil && js.Properties.Len() > 0:
			typ = "object"
		case js.Items != nil:
			typ = "array"
		case len(js.AnyOf) > 0:
			return fromNullableUnion(js, js.AnyOf)
		case len(js.OneOf) > 0:
			return fromNullableUnion(js, js.OneOf)
		}
	}

	switch typ {
	case "string":
		return &PrimitiveSchema{Kind: KindString, Description: js.Description}
	case "number", "integer":
		return &PrimitiveSchema{Kind: KindNumber, Description: js.Description}
	case "boolean":
		return &PrimitiveSchema{Kind: KindBoolean, Description: js.Description}
	case "array":
		return &ArraySchema{Items: FromJSONSchema(js.Items), Description: js.Description}
	case "object":
		return fromObject(js)
	default:
		name := typ
		if name == "" {
			name = "unknown"
		}
		return &UnknownSchema{TypeName: name, Description: js.Description}
	}
}

func fromObject(js *jsonschema.Schema) *ObjectSchema {
	required := make(map[string]bool, len(js.Required))
	for _, name := range js.Required {
		required[name] = true
	}

	props := orderedmap.New[string, Schema]()
	if js.Properties != nil {
		for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
			var node Schema = FromJSONSchema(pair.Value)
			if node == nil {
				node = &UnknownSchema{TypeName: "unknown"}
			}
			if pair.Value != nil && pair.Value.Default != nil {
				node = &DefaultSchema{Inner: node, Default: pair.Value.Default}
			}
			if !required[pair.Key] {
				node = &OptionalSchema{Inner: node}
			}
			props.Set(pair.Key, node)
		}
	}
	return &ObjectSchema{Properties: props, Description: js.Description}
}

// fromNullableUnion turns anyOf[T, null] into Optional(T); other unions are unknown.
func fromNullableUnion(parent *jsonschema.Schema, branches []*jsonschema.Schema) Schema {
	var nonNull []*jsonschema.Schema
	for _, b := range branches {
		if b != nil && b.Type != "null" {
			nonNull = append(nonNull, b)
		}
	}
	if len(nonNull) != 1 || len(nonNull) == len(branches) {
		return &UnknownSchema{TypeName: "union", Description: parent.Description}
	}
	inner := FromJSONSchema(nonNull[0])
	if p, ok := inner.(*PrimitiveSchema); ok && p.Description == "" {
		p.Description = parent.Description
	}
	return &OptionalSchema{Inner: inner}
}
