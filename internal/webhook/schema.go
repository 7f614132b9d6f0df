package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound payload shapes are validated before C2 recording, per
// SPEC_FULL.md's DOMAIN STACK note on jsonschema/v6: a malformed body is
// rejected with 400 before it ever reaches the inbox table, grounded in
// the teacher's internal/engine/structured.go compile-and-validate idiom.
const chatUpdateSchemaJSON = `{
	"type": "object",
	"properties": {
		"update_id": {"type": "integer"}
	},
	"required": ["update_id"]
}`

const voiceEnvelopeSchemaJSON = `{
	"type": "object",
	"properties": {
		"data": {
			"type": "object",
			"properties": {
				"event_type": {"type": "string"},
				"payload": {"type": "object"}
			},
			"required": ["event_type", "payload"]
		}
	},
	"required": ["data"]
}`

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("webhook: unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("webhook: add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("webhook: compile %s schema: %w", name, err)
	}
	return schema, nil
}

var (
	chatUpdateSchema    *jsonschema.Schema
	voiceEnvelopeSchema *jsonschema.Schema
)

func init() {
	var err error
	chatUpdateSchema, err = compileSchema("chat_update.json", chatUpdateSchemaJSON)
	if err != nil {
		panic(err)
	}
	voiceEnvelopeSchema, err = compileSchema("voice_envelope.json", voiceEnvelopeSchemaJSON)
	if err != nil {
		panic(err)
	}
}

// validateJSON decodes body with jsonschema.UnmarshalJSON (for correct
// number handling) and validates it against schema.
func validateJSON(schema *jsonschema.Schema, body []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
