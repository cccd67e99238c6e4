package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonal-labs/cantata/pkg/api"
)

func TestOperatorEvaluate(t *testing.T) {
	scenarios := []struct {
		name     string
		op       api.Operator
		actual   any
		expected any
		result   bool
	}{
		{"eq strings", api.OpEq, "a", "a", true},
		{"eq cross-kind numbers", api.OpEq, 3, 3.0, true},
		{"neq", api.OpNeq, "a", "b", true},
		{"gt numbers", api.OpGt, 5.0, 3, true},
		{"gt equal", api.OpGt, 3, 3, false},
		{"gte equal", api.OpGte, 3, 3, true},
		{"lt strings", api.OpLt, "apple", "banana", true},
		{"lte", api.OpLte, 2, 3, true},
		{"in slice", api.OpIn, "b", []any{"a", "b"}, true},
		{"in miss", api.OpIn, "z", []any{"a", "b"}, false},
		{"contains string", api.OpContains, "hello world", "world", true},
		{"contains slice", api.OpContains, []any{1.0, 2.0}, 2, true},
		{"exists true", api.OpExists, "anything", nil, true},
		{"exists nil", api.OpExists, nil, nil, false},
		{"incomparable", api.OpGt, map[string]any{}, 3, false},
		{"unknown operator", api.Operator("fuzzy"), 1, 1, false},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, s.result, s.op.Evaluate(s.actual, s.expected))
		})
	}
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, api.IsEmptyValue(nil))
	assert.True(t, api.IsEmptyValue(""))
	assert.True(t, api.IsEmptyValue([]any{}))
	assert.True(t, api.IsEmptyValue(map[string]any{}))
	assert.False(t, api.IsEmptyValue(0))
	assert.False(t, api.IsEmptyValue("x"))
	assert.False(t, api.IsEmptyValue([]any{1}))
}

func TestValidateInput(t *testing.T) {
	schema := &api.Schema{
		Required: []string{"query"},
		Properties: map[string]*api.SchemaProperty{
			"query": {Type: "string"},
			"limit": {Type: "integer"},
		},
	}

	assert.NoError(t, schema.ValidateInput(map[string]any{
		"query": "orders",
		"limit": 10.0,
	}))

	err := schema.ValidateInput(map[string]any{"limit": 10.0})
	assert.ErrorIs(t, err, api.ErrRequiredFieldMissing)

	err = schema.ValidateInput(map[string]any{
		"query": "orders",
		"limit": 1.5,
	})
	assert.ErrorIs(t, err, api.ErrFieldWrongType)

	// A nil schema accepts anything
	var none *api.Schema
	assert.NoError(t, none.ValidateInput(map[string]any{"x": 1}))
}
