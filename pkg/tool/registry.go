package tool

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Registry holds the process's tool table. It is constructed once and
// passed in explicitly; there is no ambient global registry.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register validates a definition, compiles its parameter schema, and adds
// it to the table.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition, or nil if unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

func (r *Registry) schema(name string) *gojsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[name]
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Resolve maps an allowed-tool list onto registered definitions. Only the
// named tools are touched, so providers backing unreferenced tools are
// never initialized. Unknown names fail.
func (r *Registry) Resolve(names []string) ([]*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// SchemaMaps renders the named tools in the provider wire shape:
// {name, description, input_schema}.
func (r *Registry) SchemaMaps(names []string) ([]map[string]interface{}, error) {
	defs, err := r.Resolve(names)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": schemaMap(*def),
		})
	}
	return out, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func schemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	var required []string
	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}
