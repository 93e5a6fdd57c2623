package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

func str(minLength int) map[string]any {
	if minLength == 0 {
		return map[string]any{"type": "string"}
	}

	return map[string]any{"type": "string", "minLength": minLength}
}

func object(required []string, properties map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

var timeoutSchema = map[string]any{"type": "integer", "minimum": 0, "maximum": 600000}

// nodeSchemas holds the JSON schema each node config must satisfy once encoded.
var nodeSchemas = map[models.NodeType]map[string]any{
	models.NodeTypeStart: object(nil, map[string]any{}),
	models.NodeTypeEnd:   object(nil, map[string]any{}),
	models.NodeTypeMessage: object([]string{"text"}, map[string]any{
		"text":         str(1),
		"auto_advance": map[string]any{"type": "boolean"},
	}),
	models.NodeTypeQuestion: object([]string{"prompt", "output_variable"}, map[string]any{
		"prompt":          str(1),
		"output_variable": str(1),
	}),
	models.NodeTypeCondition: object([]string{"clauses"}, map[string]any{
		"clauses": map[string]any{
			"type": "array",
			"items": object([]string{"operator", "label"}, map[string]any{
				"variable": str(0),
				"operator": map[string]any{
					"type": "string",
					"enum": []string{
						models.OperatorEquals, models.OperatorNotEquals, models.OperatorContains,
						models.OperatorIsEmpty, models.OperatorIsNotEmpty, models.OperatorExpression,
					},
				},
				"label":      str(1),
				"expression": str(0),
			}),
		},
		"default_label": str(0),
	}),
	models.NodeTypeAction: object([]string{"action"}, map[string]any{
		"action": str(1),
		"params": map[string]any{"type": "object"},
	}),
	models.NodeTypeAPICall: object([]string{"method", "url"}, map[string]any{
		"method": map[string]any{
			"type": "string",
			"enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
		},
		"url":             str(1),
		"headers":         map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
		"body":            str(0),
		"output_variable": str(0),
		"response_path":   str(0),
		"timeout_ms":      timeoutSchema,
	}),
	models.NodeTypeAIPrompt: object([]string{"prompt"}, map[string]any{
		"prompt":          str(1),
		"system_prompt":   str(0),
		"model":           str(0),
		"temperature":     map[string]any{"type": "number", "minimum": 0, "maximum": 2},
		"max_tokens":      map[string]any{"type": "integer", "minimum": 0},
		"output_variable": str(0),
		"timeout_ms":      timeoutSchema,
	}),
	models.NodeTypeDatabaseQuery: object([]string{"connection", "query"}, map[string]any{
		"connection":      str(1),
		"query":           str(1),
		"params":          map[string]any{"type": "array", "items": str(0)},
		"output_variable": str(0),
		"timeout_ms":      timeoutSchema,
	}),
	models.NodeTypeScript: object([]string{"language", "source"}, map[string]any{
		"language":        str(1),
		"source":          str(1),
		"packages":        map[string]any{"type": "array", "items": str(1)},
		"output_variable": str(0),
		"timeout_ms":      timeoutSchema,
	}),
	models.NodeTypeSetVariable: object([]string{"variable", "operation"}, map[string]any{
		"variable": str(1),
		"operation": map[string]any{
			"type": "string",
			"enum": []string{
				models.OperationSet, models.OperationAppend, models.OperationIncrement, models.OperationDecrement,
			},
		},
	}),
	models.NodeTypeJump: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_node_id":   str(1),
			"target_flow_id":   str(1),
			"preserve_context": map[string]any{"type": "boolean"},
		},
		"anyOf": []any{
			map[string]any{"required": []string{"target_node_id"}},
			map[string]any{"required": []string{"target_flow_id"}},
		},
	},
	models.NodeTypeHandoff: object([]string{"target"}, map[string]any{
		"target": map[string]any{
			"type": "string",
			"enum": []string{models.HandoffQueue, models.HandoffDepartment, models.HandoffAgent},
		},
		"target_id": str(0),
		"message":   str(0),
	}),
	models.NodeTypeDelay: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration_ms": map[string]any{"type": "integer", "minimum": 0},
			"seconds":     map[string]any{"type": "integer", "minimum": 0},
			"minutes":     map[string]any{"type": "integer", "minimum": 0},
		},
		"minProperties": 1,
	},
	models.NodeTypeInteractiveButtons: object([]string{"body", "buttons"}, map[string]any{
		"body": str(1),
		"buttons": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": 3,
			"items": object([]string{"id", "title"}, map[string]any{
				"id":    str(1),
				"title": str(1),
			}),
		},
		"output_variable": str(0),
	}),
	models.NodeTypeInteractiveList: object([]string{"body", "sections"}, map[string]any{
		"body":        str(1),
		"button_text": str(0),
		"sections": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": object([]string{"rows"}, map[string]any{
				"title": str(0),
				"rows": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": object([]string{"id", "title"}, map[string]any{
						"id":          str(1),
						"title":       str(1),
						"description": str(0),
					}),
				},
			}),
		},
		"output_variable": str(0),
	}),
	models.NodeTypeWhatsAppTemplate: object([]string{"template_name"}, map[string]any{
		"template_name":   str(1),
		"language":        str(0),
		"parameters":      map[string]any{"type": "array", "items": str(0)},
		"output_variable": str(0),
	}),
}

// Schema returns the configuration schema of a node type.
func Schema(nodeType models.NodeType) (map[string]any, bool) {
	schema, ok := nodeSchemas[nodeType]

	return schema, ok
}

// ValidateConfig checks a node's config against the schema of its type.
func ValidateConfig(node models.Node) error {
	if node.Config == nil {
		return fmt.Errorf("node %s: missing config", node.ID)
	}

	if node.Config.NodeType() != node.Type {
		return fmt.Errorf("node %s: config of type %s does not match node type %s", node.ID, node.Config.NodeType(), node.Type)
	}

	schema, ok := nodeSchemas[node.Type]
	if !ok {
		return fmt.Errorf("node %s: %w: %q", node.ID, models.ErrUnknownNodeType, node.Type)
	}

	encoded, err := json.Marshal(node.Config)
	if err != nil {
		return fmt.Errorf("node %s: failed to encode config: %w", node.ID, err)
	}

	var document any

	err = json.Unmarshal(encoded, &document)
	if err != nil {
		return fmt.Errorf("node %s: failed to decode config: %w", node.ID, err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(document))
	if err != nil {
		return fmt.Errorf("node %s: schema validation: %w", node.ID, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return fmt.Errorf("node %s: invalid %s config: %s", node.ID, node.Type, strings.Join(messages, "; "))
	}

	return nil
}
