// Package template renders {{ name }} placeholders against an execution's variable bag.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Render replaces every {{ name }} in text with the string form of the bag's
// value. Absent and nil values render as empty strings. Render never fails.
func Render(text string, vars models.Variables) string {
	if text == "" {
		return text
	}

	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return ""
		}

		value, ok := vars.Lookup(groups[1])
		if !ok {
			return ""
		}

		return Stringify(value)
	})
}

// RenderAll renders every text in order.
func RenderAll(texts []string, vars models.Variables) []string {
	rendered := make([]string, len(texts))
	for i, text := range texts {
		rendered[i] = Render(text, vars)
	}

	return rendered
}

// References lists the placeholder names used in text, in order of appearance.
func References(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)

	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, match[1])
	}

	return names
}

// Stringify returns the canonical string form of a bag value. Falsy values
// such as 0 and false are kept.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint:
		return strconv.FormatUint(uint64(typed), 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case time.Time:
		return typed.Format(time.RFC3339)
	case []byte:
		return string(typed)
	case fmt.Stringer:
		return typed.String()
	case map[string]any, models.Variables, []any, []map[string]any, []string:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}

		return string(encoded)
	default:
		return fmt.Sprint(typed)
	}
}
