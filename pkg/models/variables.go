package models

import (
	"reflect"
	"regexp"
	"strings"
	"time"
)

// System variable names always present in an execution's bag.
const (
	VarContactName    = "contact.name"
	VarContactPhone   = "contact.phone"
	VarContactEmail   = "contact.email"
	VarConversationID = "conversation.id"
	VarCurrentTime    = "current_time"
	VarCurrentDate    = "current_date"
	VarTrigger        = "trigger"
)

// SystemVariableNames lists the variables seeded into every execution.
var SystemVariableNames = []string{
	VarContactName, VarContactPhone, VarContactEmail, VarConversationID, VarCurrentTime, VarCurrentDate,
}

var variableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidVariableName reports whether name follows the authoring naming rule.
func ValidVariableName(name string) bool {
	return variableNamePattern.MatchString(name)
}

// Variables is an execution's variable bag. Treat values as immutable: use
// With or Merge to derive a new bag instead of writing in place.
type Variables map[string]any

// SystemVariables builds the bag every execution starts with.
func SystemVariables(conversationID string, contact map[string]any, now time.Time) Variables {
	return Variables{
		VarContactName:    stringField(contact, "name"),
		VarContactPhone:   stringField(contact, "phone"),
		VarContactEmail:   stringField(contact, "email"),
		VarConversationID: conversationID,
		VarCurrentTime:    now.Format("15:04:05"),
		VarCurrentDate:    now.Format("2006-01-02"),
	}
}

func stringField(values map[string]any, key string) string {
	if values == nil {
		return ""
	}

	if value, ok := values[key].(string); ok {
		return value
	}

	return ""
}

// Clone returns a deep copy of nested maps and slices.
func (v Variables) Clone() Variables {
	if v == nil {
		return Variables{}
	}

	clone := make(Variables, len(v))
	for key, value := range v {
		clone[key] = cloneValue(value)
	}

	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Variables(typed).Clone())
	case Variables:
		return typed.Clone()
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = cloneValue(item)
		}

		return items
	case []map[string]any:
		items := make([]map[string]any, len(typed))
		for i, item := range typed {
			items[i] = map[string]any(Variables(item).Clone())
		}

		return items
	default:
		return value
	}
}

// With returns a copy of the bag with name set to value.
func (v Variables) With(name string, value any) Variables {
	next := v.Clone()
	next[name] = value

	return next
}

// Merge returns a copy of the bag overlaid with other.
func (v Variables) Merge(other Variables) Variables {
	next := v.Clone()
	for key, value := range other {
		next[key] = cloneValue(value)
	}

	return next
}

// Lookup resolves name as a literal key first, then as a dotted path through
// nested maps ("order.customer.name").
func (v Variables) Lookup(name string) (any, bool) {
	if value, ok := v[name]; ok {
		return value, true
	}

	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return nil, false
	}

	var current any = map[string]any(v)

	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		case Variables:
			next, ok := node[part]
			if !ok {
				return nil, false
			}

			current = next
		default:
			return nil, false
		}
	}

	return current, true
}

// Snapshot returns a copy without callable values, safe to hand across a
// sandbox boundary.
func (v Variables) Snapshot() Variables {
	snapshot := make(Variables, len(v))

	for key, value := range v {
		if kept, ok := snapshotValue(value); ok {
			snapshot[key] = kept
		}
	}

	return snapshot
}

// snapshotValue copies value with callables removed at every depth. ok is
// false when value itself is callable.
func snapshotValue(value any) (any, bool) {
	if isCallable(value) {
		return nil, false
	}

	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Variables(typed).Snapshot()), true
	case Variables:
		return map[string]any(typed.Snapshot()), true
	case []any:
		items := make([]any, 0, len(typed))

		for _, item := range typed {
			if kept, ok := snapshotValue(item); ok {
				items = append(items, kept)
			}
		}

		return items, true
	case []map[string]any:
		items := make([]map[string]any, len(typed))
		for i, item := range typed {
			items[i] = map[string]any(Variables(item).Snapshot())
		}

		return items, true
	default:
		return cloneValue(value), true
	}
}

func isCallable(value any) bool {
	if value == nil {
		return false
	}

	return reflect.TypeOf(value).Kind() == reflect.Func
}
