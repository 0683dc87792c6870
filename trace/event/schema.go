package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the structural contract every inbound frame must satisfy
// before it is decoded. It deliberately validates only the envelope, not the
// per-kind payload shapes: unknown payload fields must pass through so newer
// producers can extend payloads without breaking older consumers.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "run_id"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"run_id": {"type": "string", "minLength": 1},
		"step_index": {"type": "integer", "minimum": 0},
		"timestamp": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

var compileOnce = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	return c.Compile("envelope.json")
})

func validateEnvelope(data []byte) error {
	schema, err := compileOnce()
	if err != nil {
		return fmt.Errorf("compile envelope schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	return nil
}
