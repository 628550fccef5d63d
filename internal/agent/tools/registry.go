// Package tools holds the per-run tool registry: tool definitions with JSON
// Schema argument validation, their handlers, and the built-in task tool that
// spawns sub-agents.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/llm"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Handler executes one tool call. Args have already passed schema validation.
// The returned value is the tool output serialized for the model; handlers
// signalling a sub-agent spawn return a value built with SpawnResult.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Def     llm.ToolDef
	Handler Handler
}

// Registry is the set of tools offered to the model for one run. Tools are
// contributed by middlewares in declaration order; a name collision is a
// conflict error, never a silent override.
type Registry struct {
	order   []string
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Add registers a tool. Registering a name twice fails with a conflict error.
func (r *Registry) Add(t Tool) error {
	if t.Def.Name == "" {
		return apperrors.InvalidRequest("tool name is required")
	}
	if _, exists := r.tools[t.Def.Name]; exists {
		return apperrors.Conflict(fmt.Sprintf("duplicate tool name %q", t.Def.Name))
	}
	if len(t.Def.Schema) > 0 {
		schema, err := compileSchema(t.Def.Name, t.Def.Schema)
		if err != nil {
			return apperrors.InvalidRequest(fmt.Sprintf("tool %q has an invalid schema: %v", t.Def.Name, err))
		}
		r.schemas[t.Def.Name] = schema
	}
	tool := t
	r.order = append(r.order, t.Def.Name)
	r.tools[t.Def.Name] = &tool
	return nil
}

// Defs returns the tool definitions in registration order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Def)
	}
	return defs
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Validate checks args against the tool's schema. A validation failure does
// not gate the run; the loop records it as a tool error so the model can
// recover.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalizeArgs(args)))
	if err != nil {
		return apperrors.InvalidRequest(fmt.Sprintf("tool %q arguments are not valid JSON: %v", name, err))
	}
	if err := schema.Validate(value); err != nil {
		return apperrors.InvalidRequest(fmt.Sprintf("tool %q arguments rejected by schema: %v", name, err))
	}
	return nil
}

// Invoke validates and runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("unknown tool %q", name))
	}
	if err := r.Validate(name, args); err != nil {
		return nil, err
	}
	return tool.Handler(ctx, normalizeArgs(args))
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// spawnEnvelope is the wire shape of a spawn intent tool result.
type spawnEnvelope struct {
	Spawn *v1.SpawnDescriptor `json:"__spawn"`
}

// SpawnResult wraps a sub-agent descriptor as a tool result. The loop detects
// it and spawns instead of recording a plain output.
func SpawnResult(desc v1.SpawnDescriptor) (json.RawMessage, error) {
	out, err := json.Marshal(spawnEnvelope{Spawn: &desc})
	if err != nil {
		return nil, fmt.Errorf("marshal spawn result: %w", err)
	}
	return out, nil
}

// ParseSpawn extracts the sub-agent descriptor from a tool result, if the
// result is a spawn intent.
func ParseSpawn(output json.RawMessage) (*v1.SpawnDescriptor, bool) {
	if len(output) == 0 {
		return nil, false
	}
	var env spawnEnvelope
	if err := json.Unmarshal(output, &env); err != nil || env.Spawn == nil {
		return nil, false
	}
	return env.Spawn, true
}
