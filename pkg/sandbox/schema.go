package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// DefaultAnatomySchema accepts any JSON object (or an absent anatomy).
const DefaultAnatomySchema = `{"type": ["object", "null"]}`

// AnatomySchemas maps a role class to the compiled JSON schema its anatomy
// must satisfy. Role classes without a registered schema fall back to
// DefaultAnatomySchema.
type AnatomySchemas struct {
	mu       sync.RWMutex
	schemas  map[string]*jsonschema.Schema
	fallback *jsonschema.Schema
}

// NewAnatomySchemas returns a registry holding only the default schema.
func NewAnatomySchemas() *AnatomySchemas {
	fallback, err := compileSchema("default", DefaultAnatomySchema)
	if err != nil {
		panic(fmt.Sprintf("sandbox: default anatomy schema: %v", err))
	}
	return &AnatomySchemas{
		schemas:  make(map[string]*jsonschema.Schema),
		fallback: fallback,
	}
}

// Register compiles schema and binds it to roleClass.
func (r *AnatomySchemas) Register(roleClass, schema string) error {
	compiled, err := compileSchema(roleClass, schema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[roleClass] = compiled
	return nil
}

// Validate checks anatomy against the schema for roleClass. Failures wrap
// contracts.ErrInvalidInput.
func (r *AnatomySchemas) Validate(roleClass string, anatomy contracts.Anatomy) error {
	r.mu.RLock()
	schema, ok := r.schemas[roleClass]
	if !ok {
		schema = r.fallback
	}
	r.mu.RUnlock()

	var doc any
	if !anatomy.IsZero() {
		dec := json.NewDecoder(bytes.NewReader(anatomy))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("anatomy is not valid JSON: %w", contracts.ErrInvalidInput)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("anatomy for role class %q: %v: %w", roleClass, err, contracts.ErrInvalidInput)
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if !json.Valid([]byte(schema)) {
		return nil, fmt.Errorf("sandbox: schema for %q is not valid JSON", name)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	resource := fmt.Sprintf("https://agentgov.schemas.local/anatomy/%s.schema.json", url.PathEscape(name))
	if err := c.AddResource(resource, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("sandbox: anatomy schema load failed: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("sandbox: anatomy schema compile failed: %w", err)
	}
	return compiled, nil
}
