package api

import (
	"reflect"
	"strings"
)

type (
	ConditionType string
	Operator      string

	// Condition gates a step or filters list items. Simple conditions
	// compare a resolved field against a value; and/or/not combine
	// child conditions. Unknown types and operators evaluate to false
	Condition struct {
		Type       ConditionType `json:"type,omitempty"`
		Field      string        `json:"field,omitempty"`
		Operator   Operator      `json:"operator,omitempty"`
		Value      any           `json:"value,omitempty"`
		Conditions []*Condition  `json:"conditions,omitempty"`
		Condition  *Condition    `json:"condition,omitempty"`
	}
)

const (
	ConditionSimple ConditionType = "simple"
	ConditionAnd    ConditionType = "and"
	ConditionOr     ConditionType = "or"
	ConditionNot    ConditionType = "not"

	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"

	// OpEmpty is only meaningful inside a condition transform
	OpEmpty Operator = "empty"
)

// Evaluate applies the operator to an actual value and the expected
// comparison value. Incomparable operands and unknown operators yield
// false rather than an error
func (o Operator) Evaluate(actual, expected any) bool {
	switch o {
	case OpEq:
		return EqualValues(actual, expected)
	case OpNeq:
		return !EqualValues(actual, expected)
	case OpGt:
		cmp, ok := CompareValues(actual, expected)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := CompareValues(actual, expected)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := CompareValues(actual, expected)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := CompareValues(actual, expected)
		return ok && cmp <= 0
	case OpIn:
		return memberOf(actual, expected)
	case OpContains:
		return memberOf(expected, actual)
	case OpExists:
		return actual != nil
	case OpEmpty:
		return IsEmptyValue(actual)
	default:
		return false
	}
}

// EqualValues compares two JSON-shaped values, treating numbers of
// different Go kinds as equal when their values match
func EqualValues(a, b any) bool {
	if an, aok := AsNumber(a); aok {
		if bn, bok := AsNumber(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// CompareValues orders two values. Numbers order numerically, strings
// lexicographically; anything else is unordered
func CompareValues(a, b any) (int, bool) {
	if an, aok := AsNumber(a); aok {
		if bn, bok := AsNumber(b); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// AsNumber reports the float64 value of any numeric Go kind that JSON
// decoding or native construction can produce
func AsNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// IsEmptyValue reports whether a value is nil, an empty string, or an
// empty collection
func IsEmptyValue(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

func memberOf(needle, hay any) bool {
	switch hay := hay.(type) {
	case []any:
		for _, item := range hay {
			if EqualValues(needle, item) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(hay, s)
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, exists := hay[s]
		return exists
	default:
		return false
	}
}

// Clone returns a deep copy of the condition tree
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	res := *c
	res.Value = CopyValue(c.Value)
	if c.Conditions != nil {
		res.Conditions = make([]*Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			res.Conditions[i] = child.Clone()
		}
	}
	if c.Condition != nil {
		res.Condition = c.Condition.Clone()
	}
	return &res
}
