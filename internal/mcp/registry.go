package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolHandler executes one tool call against raw JSON arguments
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// ToolDef describes a registered tool. InputSchema may be left nil; Register
// derives it from the handler's params type.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type registration struct {
	def     *ToolDef
	handler ToolHandler
}

// Registry holds the tool table. Registration order is kept so tool listings
// stay stable across restarts.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*registration
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*registration)}
}

// Register adds a typed tool handler. The params type P drives both JSON
// decoding of arguments and the generated input schema.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) {
	if def.InputSchema == nil {
		def.InputSchema = GenerateSchema[P]()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[def.Name] = &registration{def: &def, handler: adaptHandler(handler)}
	r.order = append(r.order, def.Name)
}

func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.def, true
}

// GetAllTools returns definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if reg, ok := r.byName[name]; ok {
			defs = append(defs, reg.def)
		}
	}
	return defs
}

// CallTool runs a tool by name with raw JSON arguments
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return reg.handler(ctx, args)
}

// RegisterWithMCPServer exposes every registered tool through the SDK server
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		reg := r.byName[name]
		handler := reg.handler

		server.AddTool(&mcp_sdk.Tool{
			Name:        name,
			Description: reg.def.Description,
			InputSchema: toSDKSchema(reg.def.InputSchema),
		}, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			ctx = withCallRequest(ctx, req)
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			out, err := handler(ctx, args)
			if err != nil {
				// Tool failures travel as error results, not protocol errors
				return NewErrorResult(err.Error()), nil
			}
			if ctr, ok := out.(*mcp_sdk.CallToolResult); ok {
				return ctr, nil
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return NewErrorResult(err.Error()), nil
			}
			return NewTextResult(string(encoded)), nil
		})
	}
}

// adaptHandler decodes arguments into P and translates the typed handler's
// (result, data, err) contract into the single-value ToolHandler one: data
// wins when present, an IsError result becomes a plain error.
func adaptHandler[P any](handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}

		req := callRequestFrom(ctx)
		if req == nil {
			req = &mcp_sdk.CallToolRequest{Params: &mcp_sdk.CallToolParamsRaw{Arguments: args}}
		}

		result, data, err := handler(ctx, req, params)
		if err != nil {
			return nil, err
		}
		if result != nil && result.IsError {
			msg := "tool execution failed"
			if len(result.Content) > 0 {
				if text, ok := result.Content[0].(*mcp_sdk.TextContent); ok {
					msg = text.Text
				}
			}
			return nil, fmt.Errorf("%s", msg)
		}
		if data != nil {
			return data, nil
		}
		return result, nil
	}
}

type callRequestKey struct{}

func withCallRequest(ctx context.Context, req *mcp_sdk.CallToolRequest) context.Context {
	return context.WithValue(ctx, callRequestKey{}, req)
}

func callRequestFrom(ctx context.Context) *mcp_sdk.CallToolRequest {
	req, _ := ctx.Value(callRequestKey{}).(*mcp_sdk.CallToolRequest)
	return req
}

// toSDKSchema converts a raw schema map into the SDK's schema type. The SDK
// validates arguments against it, so a malformed map falls back to a
// permissive object schema rather than breaking the tool.
func toSDKSchema(raw map[string]any) *jsonschema.Schema {
	fallback := &jsonschema.Schema{Type: "object"}
	if raw == nil {
		return fallback
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fallback
	}
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return fallback
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema
}

// GenerateSchema reflects a JSON Schema for the params struct P. Field names
// and optionality come from json tags (omitempty marks a field optional),
// descriptions from a `description` tag.
func GenerateSchema[P any]() map[string]any {
	t := reflect.TypeOf((*P)(nil)).Elem()
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object"}
	}
	return structSchema(t)
}

func structSchema(t reflect.Type) map[string]any {
	props := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, optional, skip := jsonFieldInfo(f)
		if skip {
			continue
		}

		prop := fieldSchema(f.Type)
		if desc := f.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		props[name] = prop

		if !optional {
			required = append(required, name)
		}
	}

	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonFieldInfo(f reflect.StructField) (name string, optional, skip bool) {
	name = f.Name
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			optional = true
		}
	}
	return name, optional, false
}

func fieldSchema(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		return fieldSchema(t.Elem())
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": fieldSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": fieldSchema(t.Elem())}
	case reflect.Struct:
		return structSchema(t)
	case reflect.Interface:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}
