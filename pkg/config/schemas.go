package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaConfig = "config"
	SchemaValues = "values"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Register built-in schemas
	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// Built-ins are compile-time constants covered by tests.
	_ = sr.RegisterSchema(SchemaConfig, builtinConfigSchema)
	_ = sr.RegisterSchema(SchemaValues, builtinValuesSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Data is
// converted through its JSON encoding so custom marshalers apply.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(raw, cue.Filename(schemaName+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
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

// Built-in schema definitions

const builtinConfigSchema = `
#Scalar: bool | number | string

// Keys are region ids or "*" for every region
#Approvers: {[=~"^(\\*|[a-z0-9][a-z0-9-]*)$"]: [...string]}

backend: {
	type:             "sqlite" | "s3"
	partition_prefix: string & =~"^[a-z0-9][a-z0-9/_-]*$"
	bucket?:          string
	prefix?:          string
	endpoint?:        string
	region?:          string
	use_path_style?:  bool

	if type == "s3" {
		bucket: string & !=""
	}
}

database: path: string & !=""

executor: {
	command:   string & !=""
	args?:     [...string]
	work_dir?: string
	timeout:   string
}

approval: {
	timeout:              string
	approvers?:           #Approvers
	policy_dir?:          string
	disabled_policies?:   [...string]
	auto_approve?:        bool
	max_deletes?:         int & >=0
	protected_resources?: [...string]
}

parameters: {
	defaults?:        {[string]: #Scalar | [...#Scalar]}
	required?:        [...string]
	non_overridable?: [...string]
	values_dir:       string & !=""
	secret_prefix:    string & =~"^[A-Z][A-Z0-9_]*_$"
}

lock: {
	ttl:     string
	holder?: string
}

telemetry: {
	log_level:         "trace" | "debug" | "info" | "warn" | "error"
	log_format:        "console" | "json"
	metrics_enabled:   bool
	metrics_listen?:   string
	tracing_exporter:  "none" | "stdout" | "otlp"
	tracing_endpoint?: string
}

server: {
	listen: string & !=""
	url:    string & =~"^https?://"
	tokens?: [...{
		actor:   string & !=""
		token:   string & =~"^.{16,}$"
		scopes?: [...("*" | "regions:ro" | "approvals:ro" | "approvals:rw")]
	}]
}
`

const builtinValuesSchema = `
#Scalar: bool | number | string

// A region values document is a flat mapping of scalars or scalar lists
[string]: #Scalar | [...#Scalar]
`

// ValidateConfig validates a configuration against the config schema.
func (sr *SchemaRegistry) ValidateConfig(ctx context.Context, cfg *Config) error {
	return sr.ValidateAgainstSchema(ctx, SchemaConfig, cfg)
}

// ValidateValues validates a region values document against the values schema.
func (sr *SchemaRegistry) ValidateValues(ctx context.Context, values map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, SchemaValues, values)
}
