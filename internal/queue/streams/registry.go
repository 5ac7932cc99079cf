package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON Schemas keyed by event type and payload
// version. Publisher and consumers share one instance so both ends of a stream
// agree on what a valid payload looks like.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]map[string]*jsonschema.Schema)}
}

// Register compiles schemaBytes and stores it under (eventType, version).
// Re-registering a pair replaces the previous schema.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("schema registration needs event type and version")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s %s is empty", eventType, version)
	}

	schema, err := compileSchema(schemaBytes)
	if err != nil {
		return fmt.Errorf("compile schema %s %s: %w", eventType, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion := r.compiled[eventType]
	if byVersion == nil {
		byVersion = make(map[string]*jsonschema.Schema)
		r.compiled[eventType] = byVersion
	}
	byVersion[version] = schema
	return nil
}

// Validate checks payload bytes against the schema registered for
// (eventType, version). An unregistered pair is an error: unknown events must
// not slip through on a missing schema.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload for %s %s", eventType, version)
	}

	schema, ok := r.lookup(eventType, version)
	if !ok {
		return fmt.Errorf("no schema registered for %s %s", eventType, version)
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode payload for %s %s: %w", eventType, version, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for %s %s rejected: %w", eventType, version, err)
	}
	return nil
}

func (r *SchemaRegistry) lookup(eventType, version string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.compiled[eventType]
	if !ok {
		return nil, false
	}
	schema, ok := byVersion[version]
	return schema, ok
}

func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}
