package tools

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// draft202012 is the only dialect the validator understands.
const draft202012 = "https://json-schema.org/draft/2020-12/schema"

// ResolveSchema prepares a declared JSON schema for validation. It returns
// nil for an empty schema and an error for a schema that cannot be decoded
// or resolved, or that declares another dialect.
func ResolveSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding tool schema: %w", err)
	}
	if s.Schema != "" && s.Schema != draft202012 {
		return nil, fmt.Errorf("unsupported schema dialect %s", s.Schema)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving tool schema: %w", err)
	}
	return resolved, nil
}

// ValidateArguments checks args against a declared JSON schema. Schemas that
// ResolveSchema rejects are not enforced; the tool server stays the judge of
// its own arguments.
func ValidateArguments(raw json.RawMessage, args map[string]interface{}) error {
	resolved, err := ResolveSchema(raw)
	if err != nil || resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return resolved.Validate(args)
}
