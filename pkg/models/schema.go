package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// workflowDefinitionSchema is the structural contract a definition must meet
// before it can be saved or executed. Struct tags cover field presence; the
// schema also enforces shapes validator tags cannot express (step array
// element types, non-negative token estimates).
const workflowDefinitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "name", "steps"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 3},
		"description": {"type": "string"},
		"version": {"type": "integer", "minimum": 0},
		"variables": {"type": "object"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "name", "agent_type", "instructions"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"agent_type": {"type": "string", "minLength": 1},
					"instructions": {"type": "string", "minLength": 1},
					"estimated_tokens": {"type": "integer", "minimum": 0},
					"requires_approval": {"type": "boolean"},
					"parallel_group": {"type": "string"},
					"enabled": {"type": "boolean"}
				}
			}
		}
	}
}`

// ValidateWorkflowDefinition checks a definition against the JSON schema and
// returns a single error aggregating every violation.
func ValidateWorkflowDefinition(def *WorkflowDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(workflowDefinitionSchema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to validate workflow definition: %w", err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	return fmt.Errorf("invalid workflow definition %s: %s", def.ID, strings.Join(violations, "; "))
}
