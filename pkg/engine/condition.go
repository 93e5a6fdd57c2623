package engine

import (
	"fmt"
	"strings"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/template"
	"github.com/expr-lang/expr"
)

// clauseMatch is the outcome of evaluating a condition node.
type clauseMatch struct {
	label    string
	index    int
	warnings []string
}

// evaluateCondition returns the first matching clause. index is -1 when none
// matched. Broken expressions never match and add a warning.
func evaluateCondition(config *models.ConditionConfig, vars models.Variables) clauseMatch {
	match := clauseMatch{index: -1}

	for i, clause := range config.Clauses {
		ok, err := evaluateClause(clause, vars)
		if err != nil {
			match.warnings = append(match.warnings, fmt.Sprintf("clause %d: %v", i, err))

			continue
		}

		if ok {
			match.label = clause.Label
			match.index = i

			return match
		}
	}

	return match
}

// evaluateClause compares the text forms of both operands.
func evaluateClause(clause models.ConditionClause, vars models.Variables) (bool, error) {
	if clause.Operator == models.OperatorExpression {
		return evaluateExpression(clause.Expression, vars)
	}

	value, _ := vars.Lookup(clause.Variable)
	left := template.Stringify(value)
	right := template.Stringify(clause.Value)

	if text, ok := clause.Value.(string); ok {
		right = template.Render(text, vars)
	}

	switch clause.Operator {
	case models.OperatorEquals:
		return left == right, nil
	case models.OperatorNotEquals:
		return left != right, nil
	case models.OperatorContains:
		return strings.Contains(left, right), nil
	case models.OperatorIsEmpty:
		return strings.TrimSpace(left) == "", nil
	case models.OperatorIsNotEmpty:
		return strings.TrimSpace(left) != "", nil
	default:
		return false, fmt.Errorf("unknown operator %q", clause.Operator)
	}
}

func evaluateExpression(source string, vars models.Variables) (bool, error) {
	if strings.TrimSpace(source) == "" {
		return false, fmt.Errorf("empty expression")
	}

	env := expressionEnv(vars)

	program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid expression: %w", err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("expression failed: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, not bool", output)
	}

	return result, nil
}

// expressionEnv exposes dotted names such as contact.name as nested maps so
// expressions can address them with member access.
func expressionEnv(vars models.Variables) map[string]any {
	env := make(map[string]any, len(vars))

	for name, value := range vars {
		env[name] = value
	}

	for name, value := range vars {
		head, tail, dotted := strings.Cut(name, ".")
		if !dotted {
			continue
		}

		nested, ok := env[head].(map[string]any)
		if !ok {
			if _, taken := env[head]; taken {
				continue
			}

			nested = map[string]any{}
			env[head] = nested
		}

		if _, exists := nested[tail]; !exists {
			nested[tail] = value
		}
	}

	return env
}
