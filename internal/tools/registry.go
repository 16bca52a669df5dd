// Package tools binds LLM-supplied arguments into tool definitions and runs
// the resulting subprocesses with fully captured I/O.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/providers"
)

// Registry maps tool names to their definitions and compiled argument
// schemas. Definitions are immutable after construction.
type Registry struct {
	order []string
	defs  map[string]config.ToolSpec

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry indexes specs by name. Specs are assumed validated (the config
// layer rejects duplicates and malformed definitions).
func NewRegistry(specs []config.ToolSpec) *Registry {
	r := &Registry{
		defs:    make(map[string]config.ToolSpec, len(specs)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, s := range specs {
		r.order = append(r.order, s.Name)
		r.defs[s.Name] = s
	}
	return r
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (config.ToolSpec, bool) {
	s, ok := r.defs[name]
	return s, ok
}

// Names returns tool names in definition order.
func (r *Registry) Names() []string { return r.order }

// ProviderDefs renders every tool as a provider tool definition with a JSON
// schema generated from its parameters.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		spec := r.defs[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  ParamSchema(spec),
		})
	}
	return defs
}

// ParamSchema generates the JSON schema object for a tool's parameters.
func ParamSchema(spec config.ToolSpec) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range spec.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateArgs checks LLM-supplied arguments against the tool's parameter
// schema before any binding happens. Compiled schemas are cached per tool.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	spec, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}

	schema, err := r.compiled(spec)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numeric types match what the validator
	// expects regardless of how the provider decoded them.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool %q: marshal arguments: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tool %q: decode arguments: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %q: invalid arguments: %w", name, err)
	}
	return nil
}

func (r *Registry) compiled(spec config.ToolSpec) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schemas[spec.Name]; ok {
		return s, nil
	}

	raw, err := json.Marshal(ParamSchema(spec))
	if err != nil {
		return nil, fmt.Errorf("tool %q: marshal schema: %w", spec.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %q: decode schema: %w", spec.Name, err)
	}

	c := jsonschema.NewCompiler()
	url := "tool://" + spec.Name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", spec.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile schema: %w", spec.Name, err)
	}
	r.schemas[spec.Name] = schema
	return schema, nil
}
