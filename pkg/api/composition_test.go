package api_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonal-labs/cantata/pkg/api"
)

func makeComposition() *api.Composition {
	comp := api.NewComposition("enrich-order")
	comp.Steps = []*api.Step{
		{
			ID:             "fetch",
			Name:           "Fetch Order",
			Tool:           "orders.get",
			TimeoutSeconds: 30,
			NextSteps:      []api.StepID{"enrich"},
		},
		{
			ID:             "enrich",
			Name:           "Enrich Order",
			Tool:           "orders.enrich",
			TimeoutSeconds: 30,
		},
	}
	return comp
}

func TestValidate(t *testing.T) {
	scenarios := []struct {
		name     string
		mutate   func(*api.Composition)
		expected error
	}{
		{
			name:   "valid composition",
			mutate: func(*api.Composition) {},
		},
		{
			name: "empty composition id",
			mutate: func(c *api.Composition) {
				c.ID = ""
			},
			expected: api.ErrCompositionIDEmpty,
		},
		{
			name: "duplicate step id",
			mutate: func(c *api.Composition) {
				c.Steps[1].ID = "fetch"
			},
			expected: api.ErrDuplicateStepID,
		},
		{
			name: "unknown next step",
			mutate: func(c *api.Composition) {
				c.Steps[0].NextSteps = []api.StepID{"missing"}
			},
			expected: api.ErrUnknownNextStep,
		},
		{
			name: "empty tool",
			mutate: func(c *api.Composition) {
				c.Steps[0].Tool = ""
			},
			expected: api.ErrStepToolEmpty,
		},
		{
			name: "negative timeout",
			mutate: func(c *api.Composition) {
				c.Steps[0].TimeoutSeconds = -1
			},
			expected: api.ErrInvalidTimeout,
		},
		{
			name: "invalid fallback type",
			mutate: func(c *api.Composition) {
				c.Steps[0].Retry = &api.RetryStrategy{
					MaxRetries: 2,
					Fallback:   &api.Fallback{Type: "bogus"},
				}
			},
			expected: api.ErrInvalidFallbackType,
		},
		{
			name: "fallback references unknown step",
			mutate: func(c *api.Composition) {
				c.Steps[0].Retry = &api.RetryStrategy{
					MaxRetries: 2,
					Fallback: &api.Fallback{
						Type:   api.FallbackAlternativeStep,
						StepID: "missing",
					},
				}
			},
			expected: api.ErrUnknownFallbackStep,
		},
		{
			name: "trigger missing configuration",
			mutate: func(c *api.Composition) {
				c.Triggers = []*api.Trigger{
					{Type: api.TriggerSchedule},
				}
			},
			expected: api.ErrTriggerConfigMissing,
		},
		{
			name: "invalid trigger type",
			mutate: func(c *api.Composition) {
				c.Triggers = []*api.Trigger{
					{Type: "webhook"},
				}
			},
			expected: api.ErrInvalidTriggerType,
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			comp := makeComposition()
			s.mutate(comp)
			err := comp.Validate()
			if s.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, s.expected)
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	trigger := &api.Trigger{
		Type: api.TriggerIntent,
		Configuration: map[string]any{
			"intent_patterns":      []any{"order status"},
			"confidence_threshold": 0.8,
		},
	}
	assert.NoError(t, trigger.Validate())

	delete(trigger.Configuration, "confidence_threshold")
	assert.ErrorIs(t, trigger.Validate(), api.ErrTriggerConfigMissing)
}

func TestRootSteps(t *testing.T) {
	comp := makeComposition()
	roots := comp.RootSteps()
	require.Len(t, roots, 1)
	assert.Equal(t, api.StepID("fetch"), roots[0].ID)

	// A cycle has no roots
	comp.Steps[1].NextSteps = []api.StepID{"fetch"}
	assert.Empty(t, comp.RootSteps())
}

func TestClone(t *testing.T) {
	comp := makeComposition()
	comp.Steps[0].Parameters = map[string]any{
		"limit": 10,
		"flags": []any{"a", "b"},
	}
	comp.DataMappings = []*api.DataMapping{
		{Source: "fetch.total", Target: "enrich.amount"},
	}

	clone := comp.Clone()
	require.Equal(t, comp.ID, clone.ID)
	require.Len(t, clone.Steps, 2)

	// Mutating the clone must not leak back
	clone.Steps[0].Parameters["limit"] = 99
	clone.Steps[0].Parameters["flags"].([]any)[0] = "z"
	clone.DataMappings[0].Target = "enrich.other"

	assert.Equal(t, 10, comp.Steps[0].Parameters["limit"])
	assert.Equal(t, "a", comp.Steps[0].Parameters["flags"].([]any)[0])
	assert.Equal(t, "enrich.amount", comp.DataMappings[0].Target)
}

func TestNewComposition(t *testing.T) {
	comp := api.NewComposition("fresh")
	assert.NotEmpty(t, comp.ID)
	assert.Equal(t, "fresh", comp.Name)
	assert.Equal(t, "0.1.0", comp.Version)
	assert.Equal(t, api.StatusDraft, comp.Status)
	assert.False(t, comp.CreatedAt.IsZero())
}
