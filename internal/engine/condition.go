package engine

import (
	"log/slog"
	"strings"

	"github.com/tonal-labs/cantata/pkg/api"
)

// evalCondition decides whether a conditional step runs. Unknown
// condition types evaluate to false; the operator set is closed and
// unknown operators also evaluate to false
func (e *Engine) evalCondition(cond *api.Condition, rc *Context) bool {
	condType := cond.Type
	if condType == "" {
		condType = api.ConditionSimple
	}

	switch condType {
	case api.ConditionSimple:
		actual := resolveField(rc, cond.Field)
		return cond.Operator.Evaluate(actual, cond.Value)

	case api.ConditionAnd:
		for _, child := range cond.Conditions {
			if !e.evalCondition(child, rc) {
				return false
			}
		}
		return true

	case api.ConditionOr:
		for _, child := range cond.Conditions {
			if e.evalCondition(child, rc) {
				return true
			}
		}
		return false

	case api.ConditionNot:
		if cond.Condition == nil {
			return true
		}
		return !e.evalCondition(cond.Condition, rc)

	default:
		slog.Warn("Unknown condition type",
			slog.String("condition_type", string(condType)))
		return false
	}
}

// resolveField reads a condition or mapping field: `input.<field>`
// pulls from the run input, `<stepID>.<field>` from a stored step
// result, and a bare `<stepID>` yields the whole result
func resolveField(rc *Context, field string) any {
	if strings.HasPrefix(field, "input.") {
		parts := strings.Split(field, ".")
		return rc.Input[parts[len(parts)-1]]
	}

	parts := strings.Split(field, ".")
	result := rc.GetStepResult(api.StepID(parts[0]))
	if len(parts) < 2 {
		return result
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	return m[parts[1]]
}
