package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// SchemaRegistry validates an EventEnvelope's Payload against a compiled
// JSON Schema keyed by event Type. Registration is optional per type:
// Validate is a no-op for any type with no schema registered, so callers
// can register schemas incrementally as event payloads stabilize instead
// of blocking every event on day-one coverage.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema (a JSON Schema document) and binds it to
// eventType. A second call for the same eventType replaces the prior
// schema.
func (r *SchemaRegistry) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.marketd.local/events/%s.schema.json", strings.ReplaceAll(eventType, ".", "/"))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("outbox: load schema for %q: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("outbox: compile schema for %q: %w", eventType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = compiled
	return nil
}

// Validate checks envelope.Payload against the schema registered for
// envelope.Type, if any. Fails closed on malformed payload JSON so a
// schema violation never reaches the outbox; a type with no registered
// schema always passes.
func (r *SchemaRegistry) Validate(envelope contracts.EventEnvelope) error {
	r.mu.RLock()
	schema, ok := r.schemas[envelope.Type]
	r.mu.RUnlock()
	if !ok || schema == nil {
		return nil
	}
	var decoded interface{}
	if err := json.Unmarshal(envelope.Payload, &decoded); err != nil {
		return fmt.Errorf("outbox: payload for event %q is not valid JSON: %w", envelope.EventID, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("outbox: event %q payload failed schema validation: %w", envelope.EventID, err)
	}
	return nil
}

// active is the process-wide registry consulted by Append. Nil (the
// zero value) until UseSchemaRegistry is called, in which case Append's
// validation step is skipped entirely — registration is opt-in so
// existing deployments and tests aren't forced to supply schemas for
// every event type up front.
var active *SchemaRegistry

// UseSchemaRegistry installs r as the registry Append validates every
// envelope against. Intended to be called once at startup from
// cmd/marketd; not safe to call concurrently with Append.
func UseSchemaRegistry(r *SchemaRegistry) {
	active = r
}
