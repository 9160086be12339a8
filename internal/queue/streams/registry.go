package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/quantgov/internal/fault"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled schemas keyed by event type, then version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]map[string]*jsonschema.Schema)}
}

// Register compiles and stores a schema. Re-registering a version replaces it.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s %s is empty", eventType, version)
	}
	url := eventType + "." + version + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[eventType]; !ok {
		r.schemas[eventType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[eventType][version] = compiled
	return nil
}

// Types lists registered event types in order.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the schema for eventType/version. Payload
// failures wrap fault.ErrValidation.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType][version]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	if len(payload) == 0 {
		return fault.Invalid("payload", "empty")
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fault.Invalid("payload", err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s %s: %v: %w", eventType, version, err, fault.ErrValidation)
	}
	return nil
}
