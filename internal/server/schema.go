package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// operationSchema is the wire contract for a single canvas operation.
// Validation runs before any state mutation so malformed input is rejected
// at the boundary instead of surfacing as apply errors mid-broadcast.
const operationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type", "data", "timestamp", "tabId", "userId"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {
			"type": "string",
			"enum": [
				"node_create", "node_move", "node_resize", "node_rotate",
				"node_delete", "node_property", "viewport_update"
			]
		},
		"data": {"type": "object"},
		"timestamp": {"type": "integer"},
		"sequence": {"type": "integer"},
		"tabId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"transactionId": {"type": "string"},
		"transient": {"type": "boolean"}
	}
}`

type OperationValidator struct {
	schema *jsonschema.Schema
}

func NewOperationValidator() (*OperationValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(operationSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("operation.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("operation.json")
	if err != nil {
		return nil, err
	}
	return &OperationValidator{schema: schema}, nil
}

// Validate checks raw against the operation schema.
func (v *OperationValidator) Validate(raw json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
