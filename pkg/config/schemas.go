package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaFilePrefix marks positions inside built-in and registered schemas.
const schemaFilePrefix = "schema:"

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// The built-in sources compile; a failure here is a programming error.
	for name, def := range map[string]string{
		"inventory": "#Inventory",
		"host":      "#Host",
		"defaults":  "#Defaults",
	} {
		if err := sr.RegisterSchema(name, def, builtinInventorySchema); err != nil {
			panic(err)
		}
	}
}

// Context returns the CUE context schemas are compiled in. Values unified with a
// schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition def (e.g. "#Host")
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(schemaFilePrefix+name))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema without requiring concrete values.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

// ValidateInventory validates an inventory against the inventory schema.
func (sr *SchemaRegistry) ValidateInventory(ctx context.Context, inv *InventoryFile) error {
	return sr.ValidateAgainstSchema(ctx, "inventory", inv)
}

// ValidateHost validates a single host declaration.
func (sr *SchemaRegistry) ValidateHost(ctx context.Context, host HostConfig) error {
	return sr.ValidateAgainstSchema(ctx, "host", host)
}

const builtinInventorySchema = `
#Client: "openssh" | "native"

#Port: int & >=1 & <=65535

// Connection settings shared by every host.
#Defaults: {
	user?:          string
	port?:          #Port
	identity_file?: string
	ssh_arguments?: [...string]
	become?:        string
	client?:        #Client
}

// One deployment target.
#Host: {
	// Name is the alias used in selectors, reports and lock records.
	name: string & =~"^[^/\\\\ ]+$"

	hostname?:      string & !=""
	local?:         bool
	user?:          string
	port?:          #Port
	identity_file?: string
	ssh_arguments?: [...string]
	become?:        string
	client?:        #Client
	labels?: {[string]: string}

	// Host-level config entries shadowing the global ones.
	config?: {...}
}

#Inventory: {
	config?:   {...}
	defaults?: #Defaults
	hosts: [#Host, ...#Host]
}
`
