package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
)

// applySetVariable runs a set_variable operation on res.vars. Unknown
// operations leave the bag untouched and add a warning.
func applySetVariable(config *models.SetVariableConfig, res stepResult) stepResult {
	res.input = map[string]any{"variable": config.Variable, "operation": config.Operation, "value": config.Value}

	if config.Variable == "" {
		return res.warn("set_variable without a variable name")
	}

	vars := res.vars
	current, _ := vars.Lookup(config.Variable)

	var value any

	switch config.Operation {
	case models.OperationSet, "":
		value = renderValue(config.Value, vars)
	case models.OperationAppend:
		value = template.Stringify(current) + template.Stringify(renderValue(config.Value, vars))
	case models.OperationIncrement:
		value = numeric(current) + delta(config.Value, vars)
	case models.OperationDecrement:
		value = numeric(current) - delta(config.Value, vars)
	default:
		return res.warn(fmt.Sprintf("unknown set_variable operation %q", config.Operation))
	}

	res.vars = vars.With(config.Variable, value)
	res.output = map[string]any{config.Variable: value}

	if !models.ValidVariableName(config.Variable) {
		res = res.warn(fmt.Sprintf("variable name %q does not follow the naming rule", config.Variable))
	}

	return res
}

// renderValue renders strings as templates and keeps other values as they are.
func renderValue(value any, vars models.Variables) any {
	if text, ok := value.(string); ok {
		return template.Render(text, vars)
	}

	return value
}

// numeric reads a bag value as a number. Missing and non-numeric values are zero.
func numeric(value any) float64 {
	switch typed := value.(type) {
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	case float64:
		return typed
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0
		}

		return parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0
		}

		return parsed
	default:
		return 0
	}
}

func delta(value any, vars models.Variables) float64 {
	if value == nil {
		return 1
	}

	if text, ok := value.(string); ok && strings.TrimSpace(text) == "" {
		return 1
	}

	return numeric(renderValue(value, vars))
}
