package streams

import "fmt"

// Event types carried on the governance streams.
const (
	EventAudit       = "audit.event"
	EventGateExpired = "gate.expired"
	EventSweep       = "sweep.completed"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventAudit,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "entity", "entity_id", "action", "outcome", "created_at"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "entity": {"type": "string", "enum": ["budget_account", "gate", "research_cycle", "agent_memory", "proposal", "alert"]},
    "entity_id": {"type": "string", "minLength": 1},
    "action": {"type": "string", "minLength": 1},
    "actor": {"type": "string"},
    "outcome": {"type": "string", "enum": ["accepted", "rejected"]},
    "error": {"type": "string"},
    "payload": {"type": "object", "additionalProperties": true},
    "created_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventGateExpired,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cycle_id", "gate", "round", "expired_at"],
  "properties": {
    "cycle_id": {"type": "string", "minLength": 1},
    "gate": {"type": "string", "minLength": 1},
    "round": {"type": "integer", "minimum": 1},
    "cycle_archived": {"type": "boolean"},
    "expired_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventSweep,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["started_at", "expired_gates", "archived_cycles", "expired_memories"],
  "properties": {
    "started_at": {"type": "string", "format": "date-time"},
    "expired_gates": {"type": "integer", "minimum": 0},
    "archived_cycles": {"type": "integer", "minimum": 0},
    "expired_memories": {"type": "integer", "minimum": 0},
    "errors": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the built-in schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
