package template

import (
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestRender_Greeting(t *testing.T) {
	assert.Equal(t, "Hello Ana", Render("Hello {{name}}", models.Variables{"name": "Ana"}))
	assert.Equal(t, "Hello ", Render("Hello {{name}}", models.Variables{"name": nil}))
	assert.Equal(t, "Hello 0", Render("Hello {{name}}", models.Variables{"name": 0}))
}

func TestRender_WhitespaceTolerant(t *testing.T) {
	vars := models.Variables{"name": "Ana"}

	assert.Equal(t, "Hi Ana!", Render("Hi {{ name }}!", vars))
	assert.Equal(t, "Hi Ana!", Render("Hi {{name  }}!", vars))
	assert.Equal(t, "Hi Ana!", Render("Hi {{\tname}}!", vars))
}

func TestRender_FalsyValuesArePreserved(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{name: "false", value: false, expected: "v=false"},
		{name: "zero float", value: 0.0, expected: "v=0"},
		{name: "empty string", value: "", expected: "v="},
		{name: "float keeps decimals", value: 2.5, expected: "v=2.5"},
		{name: "integral float", value: float64(42), expected: "v=42"},
		{name: "int64", value: int64(-7), expected: "v=-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Render("v={{v}}", models.Variables{"v": tt.value}))
		})
	}
}

func TestRender_UnknownVariablesRenderEmpty(t *testing.T) {
	assert.Equal(t, "[]", Render("[{{missing}}]", models.Variables{}))
	assert.Equal(t, "[]", Render("[{{missing}}]", nil))
}

func TestRender_SystemAndNestedVariables(t *testing.T) {
	vars := models.Variables{
		"contact.name": "Ana",
		"order": map[string]any{
			"id":    "A-1",
			"items": []any{"tea", "cake"},
		},
	}

	assert.Equal(t, "Ana ordered A-1", Render("{{contact.name}} ordered {{order.id}}", vars))
	assert.Equal(t, `items: ["tea","cake"]`, Render("items: {{order.items}}", vars))
}

func TestRender_LeavesMalformedPlaceholders(t *testing.T) {
	vars := models.Variables{"name": "Ana"}

	assert.Equal(t, "{{ }} and {name}", Render("{{ }} and {name}", vars))
	assert.Equal(t, "", Render("", vars))
}

func TestStringify_Time(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-05-01T10:30:00Z", Stringify(at))
}

func TestReferences(t *testing.T) {
	refs := References("Hi {{ name }}, your order {{order.id}} ships {{ name }}")

	assert.Equal(t, []string{"name", "order.id", "name"}, refs)
	assert.Empty(t, References("no placeholders"))
}
