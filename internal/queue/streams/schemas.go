package streams

import "fmt"

// Event types flowing through the stream pipeline.
const (
	EventObservationIngested = "observation.ingested"
	EventDayArchived         = "lifecycle.day.archived"
)

// PayloadV1 is the only payload version in circulation.
const PayloadV1 = "v1"

// builtinSchemas holds the v1 payload contracts, keyed by event type.
// Producers may attach fields beyond the contract, so every schema
// leaves additionalProperties open.
var builtinSchemas = map[string]string{
	EventObservationIngested: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["observation_id", "kind", "ts", "text"],
  "properties": {
    "observation_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["speech_user", "speech_ambient", "vision"]},
    "ts": {"type": "string", "format": "date-time"},
    "text": {"type": "string", "minLength": 1},
    "source_metadata": {"type": "object", "additionalProperties": true}
  },
  "additionalProperties": true
}`,
	EventDayArchived: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["day", "files_moved", "bytes_moved"],
  "properties": {
    "day": {"type": "string"},
    "files_moved": {"type": "integer", "minimum": 0},
    "bytes_moved": {"type": "integer", "minimum": 0},
    "observations_pruned": {"type": "integer", "minimum": 0},
    "summaries": {"type": "object", "additionalProperties": true}
  },
  "additionalProperties": true
}`,
}

// RegisterBaseSchemas loads the built-in v1 event schemas into the registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("nil schema registry")
	}
	for eventType, schema := range builtinSchemas {
		if err := reg.Register(eventType, PayloadV1, []byte(schema)); err != nil {
			return fmt.Errorf("register %s %s: %w", eventType, PayloadV1, err)
		}
	}
	return nil
}
