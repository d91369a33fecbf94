package main

import (
	"log/slog"

	"github.com/swapmesh/marketd/pkg/contracts"
	"github.com/swapmesh/marketd/pkg/outbox"
)

// registerEventSchemas binds a JSON Schema to each outbound event type
// that downstream consumers depend on for a stable payload shape.
// Newer, still-evolving event types are deliberately left unregistered;
// outbox.SchemaRegistry treats an unregistered type as always valid.
func registerEventSchemas() {
	registry := outbox.NewSchemaRegistry()

	schemas := map[string]string{
		contracts.EventProposalCreated: `{
			"type": "object",
			"required": ["id", "participants"],
			"properties": {
				"id": {"type": "string"},
				"participants": {"type": "array"}
			}
		}`,
		contracts.EventIntentReserved: `{
			"type": "object",
			"required": ["id", "actor"],
			"properties": {
				"id": {"type": "string"},
				"actor": {"type": "object"}
			}
		}`,
		contracts.EventReceiptCreated: `{
			"type": "object",
			"required": ["id", "cycle_id"],
			"properties": {
				"id": {"type": "string"},
				"cycle_id": {"type": "string"}
			}
		}`,
	}

	for eventType, schema := range schemas {
		if err := registry.Register(eventType, schema); err != nil {
			slog.Error("marketd: failed to register event schema", "event_type", eventType, "error", err)
		}
	}

	outbox.UseSchemaRegistry(registry)
}
