package jsonrules

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is checked before decoding so malformed documents produce a
// compilation error naming the offending path instead of a zero-valued rule.
const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["rules"],
	"properties": {
		"rules": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"priority": {"type": "integer"},
					"when": {"$ref": "#/definitions/conditionGroup"},
					"reset": {
						"type": "object",
						"properties": {
							"noLongerMatches": {"type": "boolean"},
							"valueChanges": {"type": "boolean"},
							"timestampChanges": {"type": "boolean"},
							"timer": {"type": "string"}
						}
					},
					"then": {"$ref": "#/definitions/actions"},
					"otherwise": {"$ref": "#/definitions/actions"},
					"onStart": {"$ref": "#/definitions/actions"},
					"onStop": {"$ref": "#/definitions/actions"}
				}
			}
		}
	},
	"definitions": {
		"conditionGroup": {
			"type": "object",
			"properties": {
				"operator": {"enum": ["AND", "OR"]},
				"items": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"assets": {"type": "object"},
							"tag": {"type": "string"},
							"timer": {"type": "string"}
						}
					}
				},
				"groups": {
					"type": "array",
					"items": {"$ref": "#/definitions/conditionGroup"}
				}
			}
		},
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"action": {"enum": ["write-attribute", "notification", "webhook", "wait"]}
				}
			}
		}
	}
}`

var schema = gojsonschema.NewStringLoader(documentSchema)

// validateDocument checks the raw JSON against the document schema.
func validateDocument(raw string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation: %s", strings.Join(msgs, "; "))
}
