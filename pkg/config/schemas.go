package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaPlan         = "plan"
	SchemaNode         = "node"
	SchemaRelationship = "relationship"
	SchemaPlugin       = "plugin"
	SchemaWorkflow     = "workflow"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	builtins := map[string]string{
		SchemaPlan:         "#Plan",
		SchemaNode:         "#Node",
		SchemaRelationship: "#Relationship",
		SchemaPlugin:       "#Plugin",
		SchemaWorkflow:     "#Workflow",
	}
	for name, def := range builtins {
		if err := sr.RegisterSchema(name, builtinPlanSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is
// concrete. val must come from the registry's context.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinPlanSchema = `
#Identifier: string & =~"^[a-zA-Z0-9_][a-zA-Z0-9_-]*$"

#Plugin: {
	name:             string & !=""
	package_name?:    string
	package_version?: string
	executor?:        "central_deployment_agent" | "host_agent"
	source?:          string
	install?:         bool
}

#Relationship: {
	target_id:          #Identifier
	target_name?:       string
	type:               string & !=""
	type_hierarchy?: [...string]
	properties?: {...}
	source_operations?: {...}
	target_operations?: {...}
}

#Node: {
	id:              #Identifier
	type:            string & !=""
	type_hierarchy?: [...string]
	properties?: {...}
	operations?: {...}
	plugins?: [...#Plugin]
	plugins_to_install?: [...#Plugin]
	relationships?: [...#Relationship]
	host_id?:                 #Identifier
	number_of_instances?:     int & >=0
	min_number_of_instances?: int & >=0
	max_number_of_instances?: int & >=-1
}

#Parameter: {
	default?:     _
	description?: string
}

#Workflow: {
	operation: string & !=""
	plugin?:   string
	parameters?: [string]: #Parameter
}

#Plan: {
	nodes: [...#Node]
	workflows?: [#Identifier]: #Workflow
	workflow_plugins_to_install?: [...#Plugin]
}
`
